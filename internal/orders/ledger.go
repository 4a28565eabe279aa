package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ariefcatur/go-cart-orders/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger owns products.stock. Reserve and Release run inside the caller's
// transaction; the row lock taken there is what serializes concurrent reservations.
type Ledger struct{ DB *pgxpool.Pool }

// LockProducts locks the given products FOR UPDATE in ascending id order.
// Unknown ids are simply missing from the result.
func (l *Ledger) LockProducts(ctx context.Context, q postgres.Querier, ids []string) (map[string]Product, error) {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sort.Strings(uniq)

	rows, err := q.Query(ctx, `
		SELECT id, sku, name, price, stock, created_at, updated_at
		FROM products WHERE id = ANY($1::uuid[])
		ORDER BY id
		FOR UPDATE`, uniq)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Product, len(uniq))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// Reserve: lock the row -> check stock -> decrement.
func (l *Ledger) Reserve(ctx context.Context, q postgres.Querier, productID string, qty int) error {
	if qty <= 0 {
		return invalidQuantity(qty)
	}
	var p Product
	err := q.QueryRow(ctx, `SELECT id, name, stock FROM products WHERE id=$1 FOR UPDATE`, productID).
		Scan(&p.ID, &p.Name, &p.Stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("product", productID)
	}
	if err != nil {
		return fmt.Errorf("reserve %s: %w", productID, err)
	}
	if p.Stock < qty {
		return insufficientStock(p, qty)
	}

	ct, err := q.Exec(ctx, `UPDATE products SET stock = stock - $2, updated_at = now() WHERE id=$1 AND stock >= $2`, productID, qty)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", productID, err)
	}
	if ct.RowsAffected() != 1 {
		return insufficientStock(p, qty)
	}
	return nil
}

// Release returns qty units to stock. A missing product is a caller bug.
func (l *Ledger) Release(ctx context.Context, q postgres.Querier, productID string, qty int) error {
	if qty <= 0 {
		return invalidQuantity(qty)
	}
	ct, err := q.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, productID, qty)
	if err != nil {
		return fmt.Errorf("release %s: %w", productID, err)
	}
	if ct.RowsAffected() != 1 {
		return notFound("product", productID)
	}
	return nil
}

func (l *Ledger) Stock(ctx context.Context, productID string) (int, error) {
	var stock int
	err := l.DB.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1`, productID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, notFound("product", productID)
	}
	return stock, err
}

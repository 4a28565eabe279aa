package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-cart-orders/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Repo is data access for the order aggregate (header + items). Every method
// takes the caller's transaction.
type Repo struct{}

const orderCols = `id, user_id, address_id, status, total, version, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.UserID, &o.AddressID, &status, &o.Total, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	o.Status = Status(status)
	return o, err
}

// CreateOrder inserts the header with a zero placeholder total.
func (r *Repo) CreateOrder(ctx context.Context, q postgres.Querier, userID, addressID string) (Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `
		INSERT INTO orders(user_id, address_id, status, total)
		VALUES ($1, $2, $3, 0)
		RETURNING `+orderCols, userID, addressID, string(StatusPlaced)))
	if err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}
	return o, nil
}

// LockOrder takes the header lock; it is always the first lock of an item mutation.
func (r *Repo) LockOrder(ctx context.Context, q postgres.Querier, orderID string) (Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1 FOR UPDATE`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, notFound("order", orderID)
	}
	if err != nil {
		return Order{}, fmt.Errorf("lock order: %w", err)
	}
	return o, nil
}

const itemCols = `id, order_id, product_id, variant_id, quantity, price`

func scanItem(row pgx.Row) (OrderItem, error) {
	var it OrderItem
	err := row.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.VariantID, &it.Quantity, &it.Price)
	return it, err
}

// FindLine returns the locked line for (order, product, variant), if any.
func (r *Repo) FindLine(ctx context.Context, q postgres.Querier, orderID, productID, variantID string) (OrderItem, bool, error) {
	it, err := scanItem(q.QueryRow(ctx, `
		SELECT `+itemCols+` FROM order_items
		WHERE order_id=$1 AND product_id=$2 AND variant_id=$3
		FOR UPDATE`, orderID, productID, variantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return OrderItem{}, false, nil
	}
	if err != nil {
		return OrderItem{}, false, fmt.Errorf("find line: %w", err)
	}
	return it, true, nil
}

// AddOrMergeItem inserts a line priced at price, or adds qty to the existing
// (order, product, variant) line. A merge never touches the existing snapshot price.
func (r *Repo) AddOrMergeItem(ctx context.Context, q postgres.Querier, orderID, productID, variantID string, qty int, price decimal.Decimal) (OrderItem, error) {
	it, err := scanItem(q.QueryRow(ctx, `
		INSERT INTO order_items(order_id, product_id, variant_id, quantity, price)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (order_id, product_id, variant_id)
		DO UPDATE SET quantity = order_items.quantity + EXCLUDED.quantity
		RETURNING `+itemCols, orderID, productID, variantID, qty, price))
	if err != nil {
		return OrderItem{}, fmt.Errorf("upsert order item: %w", err)
	}
	return it, nil
}

func (r *Repo) LockItem(ctx context.Context, q postgres.Querier, orderID, itemID string) (OrderItem, error) {
	it, err := scanItem(q.QueryRow(ctx, `
		SELECT `+itemCols+` FROM order_items WHERE id=$1 AND order_id=$2 FOR UPDATE`, itemID, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return OrderItem{}, notFound("order item", itemID)
	}
	if err != nil {
		return OrderItem{}, fmt.Errorf("lock item: %w", err)
	}
	return it, nil
}

func (r *Repo) Items(ctx context.Context, q postgres.Querier, orderID string) ([]OrderItem, error) {
	rows, err := q.Query(ctx, `SELECT `+itemCols+` FROM order_items WHERE order_id=$1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("order items: %w", err)
	}
	defer rows.Close()

	out := []OrderItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *Repo) SetItemQuantity(ctx context.Context, q postgres.Querier, itemID string, qty int) error {
	if _, err := q.Exec(ctx, `UPDATE order_items SET quantity=$2 WHERE id=$1`, itemID, qty); err != nil {
		return fmt.Errorf("update item quantity: %w", err)
	}
	return nil
}

func (r *Repo) DeleteItem(ctx context.Context, q postgres.Querier, itemID string) error {
	if _, err := q.Exec(ctx, `DELETE FROM order_items WHERE id=$1`, itemID); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// RecalcTotal sets total = Σ price × quantity from the current items, bumps the
// version and returns the updated header.
func (r *Repo) RecalcTotal(ctx context.Context, q postgres.Querier, orderID string) (Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `
		UPDATE orders SET
			total = (SELECT COALESCE(SUM(price * quantity), 0) FROM order_items WHERE order_id = $1),
			version = version + 1,
			updated_at = clock_timestamp()
		WHERE id = $1
		RETURNING `+orderCols, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, notFound("order", orderID)
	}
	if err != nil {
		return Order{}, fmt.Errorf("recalc total: %w", err)
	}
	return o, nil
}

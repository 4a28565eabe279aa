package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-cart-orders/internal/postgres"
	"github.com/jackc/pgx/v5"
)

// CartStore holds pending selections, one cart per user.
type CartStore struct{}

// GetLines returns the user's cart lines in insertion order. No cart means no lines.
func (c *CartStore) GetLines(ctx context.Context, q postgres.Querier, userID string) ([]CartLine, error) {
	rows, err := q.Query(ctx, `
		SELECT l.id, l.cart_id, l.product_id, l.variant_id, l.quantity
		FROM cart_lines l JOIN carts c ON c.id = l.cart_id
		WHERE c.user_id = $1
		ORDER BY l.created_at, l.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("cart lines: %w", err)
	}
	defer rows.Close()

	out := []CartLine{}
	for rows.Next() {
		var l CartLine
		if err := rows.Scan(&l.ID, &l.CartID, &l.ProductID, &l.VariantID, &l.Quantity); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LockCart takes the cart row lock so two placements from one cart serialize.
func (c *CartStore) LockCart(ctx context.Context, q postgres.Querier, userID string) (Cart, error) {
	var cart Cart
	err := q.QueryRow(ctx, `SELECT id, user_id FROM carts WHERE user_id=$1 FOR UPDATE`, userID).
		Scan(&cart.ID, &cart.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cart{}, notFound("cart for user", userID)
	}
	if err != nil {
		return Cart{}, fmt.Errorf("lock cart: %w", err)
	}
	return cart, nil
}

// Drain removes every line of the cart. Draining an empty cart is a no-op.
func (c *CartStore) Drain(ctx context.Context, q postgres.Querier, cartID string) error {
	if _, err := q.Exec(ctx, `DELETE FROM cart_lines WHERE cart_id=$1`, cartID); err != nil {
		return fmt.Errorf("drain cart %s: %w", cartID, err)
	}
	return nil
}

// AddLine creates the cart lazily and merges quantity into an existing (product, variant) line.
// The product is expected to be checked by the caller (Directory.GetProduct).
func (c *CartStore) AddLine(ctx context.Context, q postgres.Querier, userID, productID, variantID string, qty int) (CartLine, error) {
	if qty <= 0 {
		return CartLine{}, invalidQuantity(qty)
	}

	var cartID string
	err := q.QueryRow(ctx, `
		INSERT INTO carts(user_id) VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id`, userID).Scan(&cartID)
	if err != nil {
		return CartLine{}, fmt.Errorf("get or create cart: %w", err)
	}

	l := CartLine{CartID: cartID, ProductID: productID, VariantID: variantID}
	err = q.QueryRow(ctx, `
		INSERT INTO cart_lines(cart_id, product_id, variant_id, quantity)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (cart_id, product_id, variant_id)
		DO UPDATE SET quantity = cart_lines.quantity + EXCLUDED.quantity
		RETURNING id, quantity`, cartID, productID, variantID, qty).Scan(&l.ID, &l.Quantity)
	if err != nil {
		return CartLine{}, fmt.Errorf("add cart line: %w", err)
	}
	return l, nil
}

// SetLineQuantity replaces the quantity of a line in the user's cart.
func (c *CartStore) SetLineQuantity(ctx context.Context, q postgres.Querier, userID, lineID string, qty int) (CartLine, error) {
	if qty <= 0 {
		return CartLine{}, invalidQuantity(qty)
	}
	var l CartLine
	err := q.QueryRow(ctx, `
		UPDATE cart_lines l SET quantity = $3
		FROM carts c
		WHERE l.id = $2 AND l.cart_id = c.id AND c.user_id = $1
		RETURNING l.id, l.cart_id, l.product_id, l.variant_id, l.quantity`, userID, lineID, qty).
		Scan(&l.ID, &l.CartID, &l.ProductID, &l.VariantID, &l.Quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return CartLine{}, notFound("cart line", lineID)
	}
	if err != nil {
		return CartLine{}, fmt.Errorf("update cart line: %w", err)
	}
	return l, nil
}

// RemoveLine deletes a line of the user's cart. A line of another user's cart is not found.
func (c *CartStore) RemoveLine(ctx context.Context, q postgres.Querier, userID, lineID string) error {
	ct, err := q.Exec(ctx, `
		DELETE FROM cart_lines l USING carts c
		WHERE l.id = $2 AND l.cart_id = c.id AND c.user_id = $1`, userID, lineID)
	if err != nil {
		return fmt.Errorf("remove cart line: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return notFound("cart line", lineID)
	}
	return nil
}

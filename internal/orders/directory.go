package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-cart-orders/internal/postgres"
	"github.com/jackc/pgx/v5"
)

// Directory reads the collaborator records the workflow depends on:
// users, addresses and catalog products. It never writes.
type Directory struct{}

func (d *Directory) GetUser(ctx context.Context, q postgres.Querier, userID string) (User, error) {
	var u User
	err := q.QueryRow(ctx, `SELECT id, name, email FROM users WHERE id=$1`, userID).Scan(&u.ID, &u.Name, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, notFound("user", userID)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetAddress enforces ownership: an address of another user is Unauthorized.
func (d *Directory) GetAddress(ctx context.Context, q postgres.Querier, addressID, userID string) (Address, error) {
	var a Address
	err := q.QueryRow(ctx, `
		SELECT id, user_id, line1, city, state_province, postal_code, country
		FROM addresses WHERE id=$1`, addressID).
		Scan(&a.ID, &a.UserID, &a.Line1, &a.City, &a.StateProvince, &a.PostalCode, &a.Country)
	if errors.Is(err, pgx.ErrNoRows) {
		return Address{}, notFound("address", addressID)
	}
	if err != nil {
		return Address{}, fmt.Errorf("get address: %w", err)
	}
	if a.UserID != userID {
		return Address{}, &Error{Kind: KindUnauthorized, Detail: fmt.Sprintf("address %s does not belong to user %s", addressID, userID)}
	}
	return a, nil
}

func (d *Directory) GetProduct(ctx context.Context, q postgres.Querier, productID string) (Product, error) {
	var p Product
	err := q.QueryRow(ctx, `
		SELECT id, sku, name, price, stock, created_at, updated_at
		FROM products WHERE id=$1`, productID).
		Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, notFound("product", productID)
	}
	if err != nil {
		return Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-cart-orders/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ProductSummary is live catalog data attached for display. It is never used for pricing.
type ProductSummary struct {
	ID    string          `json:"id"`
	SKU   string          `json:"sku"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"current_price"`
	Stock int             `json:"stock"`
}

type ItemView struct {
	OrderItem
	Subtotal decimal.Decimal `json:"subtotal"`
	Product  ProductSummary  `json:"product"`
}

type OrderDetails struct {
	Order   Order      `json:"order"`
	User    User       `json:"user"`
	Address Address    `json:"address"`
	Items   []ItemView `json:"items"`
}

type CartLineView struct {
	CartLine
	Product ProductSummary `json:"product"`
}

// Query is the read side: committed orders joined with users, addresses and products.
type Query struct{ DB postgres.Querier }

func (qr *Query) GetOrder(ctx context.Context, orderID string) (OrderDetails, error) {
	if !validID(orderID) {
		return OrderDetails{}, notFound("order", orderID)
	}
	var d OrderDetails
	var status string
	err := qr.DB.QueryRow(ctx, `
		SELECT o.id, o.user_id, o.address_id, o.status, o.total, o.version, o.created_at, o.updated_at,
		       u.id, u.name, u.email,
		       a.id, a.user_id, a.line1, a.city, a.state_province, a.postal_code, a.country
		FROM orders o
		JOIN users u ON u.id = o.user_id
		JOIN addresses a ON a.id = o.address_id
		WHERE o.id = $1`, orderID).Scan(
		&d.Order.ID, &d.Order.UserID, &d.Order.AddressID, &status, &d.Order.Total, &d.Order.Version, &d.Order.CreatedAt, &d.Order.UpdatedAt,
		&d.User.ID, &d.User.Name, &d.User.Email,
		&d.Address.ID, &d.Address.UserID, &d.Address.Line1, &d.Address.City, &d.Address.StateProvince, &d.Address.PostalCode, &d.Address.Country,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return OrderDetails{}, notFound("order", orderID)
	}
	if err != nil {
		return OrderDetails{}, fmt.Errorf("get order: %w", err)
	}
	d.Order.Status = Status(status)

	items, err := qr.itemViews(ctx, []string{orderID})
	if err != nil {
		return OrderDetails{}, err
	}
	d.Items = items[orderID]
	if d.Items == nil {
		d.Items = []ItemView{}
	}
	return d, nil
}

// ListUserOrders returns the user's orders newest first, each with exactly its own items.
func (qr *Query) ListUserOrders(ctx context.Context, userID string) ([]OrderDetails, error) {
	if !validID(userID) {
		return []OrderDetails{}, nil
	}
	rows, err := qr.DB.Query(ctx, `
		SELECT o.id, o.user_id, o.address_id, o.status, o.total, o.version, o.created_at, o.updated_at,
		       u.id, u.name, u.email,
		       a.id, a.user_id, a.line1, a.city, a.state_province, a.postal_code, a.country
		FROM orders o
		JOIN users u ON u.id = o.user_id
		JOIN addresses a ON a.id = o.address_id
		WHERE o.user_id = $1
		ORDER BY o.created_at DESC, o.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	out := []OrderDetails{}
	ids := []string{}
	for rows.Next() {
		var d OrderDetails
		var status string
		if err := rows.Scan(
			&d.Order.ID, &d.Order.UserID, &d.Order.AddressID, &status, &d.Order.Total, &d.Order.Version, &d.Order.CreatedAt, &d.Order.UpdatedAt,
			&d.User.ID, &d.User.Name, &d.User.Email,
			&d.Address.ID, &d.Address.UserID, &d.Address.Line1, &d.Address.City, &d.Address.StateProvince, &d.Address.PostalCode, &d.Address.Country,
		); err != nil {
			return nil, err
		}
		d.Order.Status = Status(status)
		out = append(out, d)
		ids = append(ids, d.Order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	items, err := qr.itemViews(ctx, ids)
	if err != nil {
		return nil, err
	}
	return groupItems(out, items), nil
}

// itemViews loads the items of the given orders keyed by order id.
func (qr *Query) itemViews(ctx context.Context, orderIDs []string) (map[string][]ItemView, error) {
	rows, err := qr.DB.Query(ctx, `
		SELECT i.id, i.order_id, i.product_id, i.variant_id, i.quantity, i.price,
		       p.id, p.sku, p.name, p.price, p.stock
		FROM order_items i
		JOIN products p ON p.id = i.product_id
		WHERE i.order_id = ANY($1::uuid[])
		ORDER BY i.created_at, i.id`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("order items: %w", err)
	}
	defer rows.Close()

	byOrder := map[string][]ItemView{}
	for rows.Next() {
		var v ItemView
		if err := rows.Scan(
			&v.ID, &v.OrderID, &v.ProductID, &v.VariantID, &v.Quantity, &v.Price,
			&v.Product.ID, &v.Product.SKU, &v.Product.Name, &v.Product.Price, &v.Product.Stock,
		); err != nil {
			return nil, err
		}
		v.Subtotal = v.OrderItem.Subtotal()
		byOrder[v.OrderID] = append(byOrder[v.OrderID], v)
	}
	return byOrder, rows.Err()
}

// groupItems attaches items to their owning order. Items of orders not in the
// list are dropped; orders without items get an empty slice.
func groupItems(orders []OrderDetails, byOrder map[string][]ItemView) []OrderDetails {
	for i := range orders {
		items := byOrder[orders[i].Order.ID]
		if items == nil {
			items = []ItemView{}
		}
		orders[i].Items = items
	}
	return orders
}

func (qr *Query) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := qr.DB.Query(ctx, `SELECT id, sku, name, price, stock, created_at, updated_at
                                FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Product{}
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CartView lists the user's cart lines with product display data.
func (qr *Query) CartView(ctx context.Context, userID string) ([]CartLineView, error) {
	if !validID(userID) {
		return []CartLineView{}, nil
	}
	rows, err := qr.DB.Query(ctx, `
		SELECT l.id, l.cart_id, l.product_id, l.variant_id, l.quantity,
		       p.id, p.sku, p.name, p.price, p.stock
		FROM cart_lines l
		JOIN carts c ON c.id = l.cart_id
		JOIN products p ON p.id = l.product_id
		WHERE c.user_id = $1
		ORDER BY l.created_at, l.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("cart view: %w", err)
	}
	defer rows.Close()

	out := []CartLineView{}
	for rows.Next() {
		var v CartLineView
		if err := rows.Scan(&v.ID, &v.CartID, &v.ProductID, &v.VariantID, &v.Quantity,
			&v.Product.ID, &v.Product.SKU, &v.Product.Name, &v.Product.Price, &v.Product.Stock); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

package orders

import (
	"errors"
	"fmt"

	"github.com/ariefcatur/go-cart-orders/internal/postgres"
)

type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindEmptyCart         Kind = "EMPTY_CART"
	KindInvalidQuantity   Kind = "INVALID_QUANTITY"
	KindInsufficientStock Kind = "INSUFFICIENT_STOCK"
	KindConflictAbort     Kind = "CONFLICT_ABORT"
)

// Error is a workflow failure with a machine-readable kind and a human-readable detail.
// Stock failures also name the product and the shortfall.
type Error struct {
	Kind      Kind
	Detail    string
	ProductID string
	Requested int
	Available int
	Err       error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so callers can write errors.Is(err, orders.ErrInsufficientStock).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Detail == "" && t.Kind == e.Kind
}

func (e *Error) Shortfall() int {
	if e.Kind != KindInsufficientStock || e.Requested <= e.Available {
		return 0
	}
	return e.Requested - e.Available
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrEmptyCart         = &Error{Kind: KindEmptyCart}
	ErrInvalidQuantity   = &Error{Kind: KindInvalidQuantity}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock}
	ErrConflictAbort     = &Error{Kind: KindConflictAbort}
)

func notFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Detail: fmt.Sprintf("%s %s not found", entity, id)}
}

func invalidQuantity(qty int) *Error {
	return &Error{Kind: KindInvalidQuantity, Detail: fmt.Sprintf("quantity must be > 0, got %d", qty)}
}

func insufficientStock(p Product, requested int) *Error {
	return &Error{
		Kind:      KindInsufficientStock,
		Detail:    fmt.Sprintf("insufficient stock for product %q (have %d, need %d)", p.Name, p.Stock, requested),
		ProductID: p.ID,
		Requested: requested,
		Available: p.Stock,
	}
}

// KindOf returns the workflow kind of err, or "" for internal failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable is true only for conflict aborts; every other kind needs corrected input.
func Retryable(err error) bool {
	return KindOf(err) == KindConflictAbort
}

// classify turns store failures into workflow errors after a rollback.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if postgres.IsConflict(err) {
		return &Error{Kind: KindConflictAbort, Detail: "concurrent update, transaction aborted; safe to retry", Err: err}
	}
	if postgres.IsCheckViolation(err, "products_stock_nonnegative") {
		return &Error{Kind: KindInsufficientStock, Detail: "stock would become negative", Err: err}
	}
	return err
}

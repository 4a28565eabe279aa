package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ariefcatur/go-cart-orders/internal/metrics"
	"github.com/ariefcatur/go-cart-orders/internal/outbox"
	"github.com/ariefcatur/go-cart-orders/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type PlaceOrderInput struct {
	UserID    string `json:"user_id"`
	AddressID string `json:"address_id"`
}

type AddItemInput struct {
	OrderID   string `json:"-"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	VariantID string `json:"variant_id,omitempty"`
}

type UpdateItemInput struct {
	OrderID  string `json:"-"`
	ItemID   string `json:"-"`
	Quantity int    `json:"quantity"`
}

// Engine runs the order workflow. Each exported operation is one transaction on
// Tx; nothing it did is visible unless every step succeeded.
//
// Lock order: cart (placement only), order header, order items, products by ascending id.
type Engine struct {
	Tx        *postgres.TxRunner
	Ledger    *Ledger
	Carts     *CartStore
	Repo      *Repo
	Directory *Directory
	Query     *Query

	Log     *zap.Logger
	Tracer  trace.Tracer
	Metrics *metrics.Workflow

	Service     string
	EventsTopic string
}

// PlaceOrderFromCart converts the user's whole cart into a new order.
func (e *Engine) PlaceOrderFromCart(ctx context.Context, in PlaceOrderInput) (OrderDetails, error) {
	if !validID(in.UserID) {
		return OrderDetails{}, notFound("user", in.UserID)
	}
	if !validID(in.AddressID) {
		return OrderDetails{}, notFound("address", in.AddressID)
	}

	var orderID string
	err := e.execute(ctx, "place_order", []attribute.KeyValue{attribute.String("user.id", in.UserID)},
		func(ctx context.Context, tx pgx.Tx, r *run) error {
			if _, err := e.Directory.GetUser(ctx, tx, in.UserID); err != nil {
				return err
			}
			if _, err := e.Directory.GetAddress(ctx, tx, in.AddressID, in.UserID); err != nil {
				return err
			}

			cart, err := e.Carts.LockCart(ctx, tx, in.UserID)
			if KindOf(err) == KindNotFound {
				return &Error{Kind: KindEmptyCart, Detail: "cart is empty"}
			}
			if err != nil {
				return err
			}
			lines, err := e.Carts.GetLines(ctx, tx, in.UserID)
			if err != nil {
				return err
			}
			if len(lines) == 0 {
				return &Error{Kind: KindEmptyCart, Detail: "cart is empty"}
			}

			ids := make([]string, 0, len(lines))
			for _, l := range lines {
				ids = append(ids, l.ProductID)
			}
			products, err := e.Ledger.LockProducts(ctx, tx, ids)
			if err != nil {
				return err
			}
			if err := validateLines(lines, products); err != nil {
				return err
			}
			r.advance(PhaseValidated)

			order, err := e.Repo.CreateOrder(ctx, tx, in.UserID, in.AddressID)
			if err != nil {
				return err
			}
			orderID = order.ID
			for _, l := range lines {
				if _, err := e.Repo.AddOrMergeItem(ctx, tx, order.ID, l.ProductID, l.VariantID, l.Quantity, products[l.ProductID].Price); err != nil {
					return err
				}
			}
			for _, l := range lines {
				if err := e.Ledger.Reserve(ctx, tx, l.ProductID, l.Quantity); err != nil {
					return err
				}
			}
			if err := e.Carts.Drain(ctx, tx, cart.ID); err != nil {
				return err
			}
			order, err = e.Repo.RecalcTotal(ctx, tx, order.ID)
			if err != nil {
				return err
			}
			r.advance(PhaseMutated)

			items, err := e.Repo.Items(ctx, tx, order.ID)
			if err != nil {
				return err
			}
			if sum := SumItems(items); !sum.Equal(order.Total) {
				return fmt.Errorf("order %s: stored total %s, items sum to %s", order.ID, order.Total, sum)
			}
			return e.emit(ctx, tx, EventOrderPlaced, order.ID, OrderPlacedPayload{
				OrderRef:  ref(order),
				AddressID: in.AddressID,
				Items:     snapshots(items),
				Total:     order.Total,
			})
		})
	if err != nil {
		return OrderDetails{}, err
	}
	return e.Query.GetOrder(ctx, orderID)
}

// validateLines checks every line against the locked products. Stock is checked
// against the total demand per product, since one product may appear under
// several variants.
func validateLines(lines []CartLine, products map[string]Product) error {
	demand := map[string]int{}
	for _, l := range lines {
		if _, ok := products[l.ProductID]; !ok {
			return notFound("product", l.ProductID)
		}
		if l.Quantity <= 0 {
			return invalidQuantity(l.Quantity)
		}
		demand[l.ProductID] += l.Quantity
	}
	for _, l := range lines {
		p := products[l.ProductID]
		if p.Stock < demand[p.ID] {
			return insufficientStock(p, demand[p.ID])
		}
	}
	return nil
}

// AddOrderItem adds quantity to an order, merging into an existing
// (product, variant) line at that line's original price.
func (e *Engine) AddOrderItem(ctx context.Context, in AddItemInput) (OrderDetails, error) {
	if !validID(in.OrderID) {
		return OrderDetails{}, notFound("order", in.OrderID)
	}

	attrs := []attribute.KeyValue{
		attribute.String("order.id", in.OrderID),
		attribute.String("product.id", in.ProductID),
		attribute.Int("item.quantity", in.Quantity),
	}
	err := e.execute(ctx, "add_item", attrs, func(ctx context.Context, tx pgx.Tx, r *run) error {
		order, err := e.Repo.LockOrder(ctx, tx, in.OrderID)
		if err != nil {
			return err
		}
		// order first, then the product, then the quantity
		if !validID(in.ProductID) {
			return notFound("product", in.ProductID)
		}
		if in.Quantity <= 0 {
			return invalidQuantity(in.Quantity)
		}
		prev, merged, err := e.Repo.FindLine(ctx, tx, order.ID, in.ProductID, in.VariantID)
		if err != nil {
			return err
		}
		products, err := e.Ledger.LockProducts(ctx, tx, []string{in.ProductID})
		if err != nil {
			return err
		}
		p, ok := products[in.ProductID]
		if !ok {
			return notFound("product", in.ProductID)
		}
		if p.Stock < in.Quantity {
			return insufficientStock(p, in.Quantity)
		}
		r.advance(PhaseValidated)

		item, err := e.Repo.AddOrMergeItem(ctx, tx, order.ID, p.ID, in.VariantID, in.Quantity, p.Price)
		if err != nil {
			return err
		}
		if err := e.Ledger.Reserve(ctx, tx, p.ID, in.Quantity); err != nil {
			return err
		}
		order, err = e.Repo.RecalcTotal(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		r.advance(PhaseMutated)

		old := 0
		if merged {
			old = prev.Quantity
		}
		return e.emit(ctx, tx, EventOrderItemAdded, order.ID, itemChanged(order, item, old, item.Quantity))
	})
	if err != nil {
		return OrderDetails{}, err
	}
	return e.Query.GetOrder(ctx, in.OrderID)
}

// UpdateOrderItemQuantity sets an item's quantity, reserving or releasing the difference.
func (e *Engine) UpdateOrderItemQuantity(ctx context.Context, in UpdateItemInput) (OrderDetails, error) {
	if !validID(in.OrderID) {
		return OrderDetails{}, notFound("order", in.OrderID)
	}
	if !validID(in.ItemID) {
		return OrderDetails{}, notFound("order item", in.ItemID)
	}

	attrs := []attribute.KeyValue{
		attribute.String("order.id", in.OrderID),
		attribute.String("item.id", in.ItemID),
		attribute.Int("item.quantity", in.Quantity),
	}
	err := e.execute(ctx, "update_item_quantity", attrs, func(ctx context.Context, tx pgx.Tx, r *run) error {
		order, err := e.Repo.LockOrder(ctx, tx, in.OrderID)
		if err != nil {
			return err
		}
		item, err := e.Repo.LockItem(ctx, tx, order.ID, in.ItemID)
		if err != nil {
			return err
		}
		if in.Quantity <= 0 {
			return invalidQuantity(in.Quantity)
		}
		r.advance(PhaseValidated)

		switch delta := in.Quantity - item.Quantity; {
		case delta > 0:
			err = e.Ledger.Reserve(ctx, tx, item.ProductID, delta)
		case delta < 0:
			err = e.Ledger.Release(ctx, tx, item.ProductID, -delta)
		}
		if err != nil {
			return err
		}
		if err := e.Repo.SetItemQuantity(ctx, tx, item.ID, in.Quantity); err != nil {
			return err
		}
		order, err = e.Repo.RecalcTotal(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		r.advance(PhaseMutated)

		return e.emit(ctx, tx, EventOrderItemUpdated, order.ID, itemChanged(order, item, item.Quantity, in.Quantity))
	})
	if err != nil {
		return OrderDetails{}, err
	}
	return e.Query.GetOrder(ctx, in.OrderID)
}

// RemoveOrderItem deletes an item and returns its full quantity to stock.
// Removing the last item leaves the order in place with a zero total.
func (e *Engine) RemoveOrderItem(ctx context.Context, orderID, itemID string) (OrderDetails, error) {
	if !validID(orderID) {
		return OrderDetails{}, notFound("order", orderID)
	}
	if !validID(itemID) {
		return OrderDetails{}, notFound("order item", itemID)
	}

	attrs := []attribute.KeyValue{attribute.String("order.id", orderID), attribute.String("item.id", itemID)}
	err := e.execute(ctx, "remove_item", attrs, func(ctx context.Context, tx pgx.Tx, r *run) error {
		order, err := e.Repo.LockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		item, err := e.Repo.LockItem(ctx, tx, order.ID, itemID)
		if err != nil {
			return err
		}
		r.advance(PhaseValidated)

		if err := e.Ledger.Release(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return err
		}
		if err := e.Repo.DeleteItem(ctx, tx, item.ID); err != nil {
			return err
		}
		order, err = e.Repo.RecalcTotal(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		r.advance(PhaseMutated)

		return e.emit(ctx, tx, EventOrderItemRemoved, order.ID, itemChanged(order, item, item.Quantity, 0))
	})
	if err != nil {
		return OrderDetails{}, err
	}
	return e.Query.GetOrder(ctx, orderID)
}

// RecalcTotal repairs drift: total is recomputed from the items. No stock or event side effects.
func (e *Engine) RecalcTotal(ctx context.Context, orderID string) (OrderDetails, error) {
	if !validID(orderID) {
		return OrderDetails{}, notFound("order", orderID)
	}
	err := e.execute(ctx, "recalc_total", []attribute.KeyValue{attribute.String("order.id", orderID)},
		func(ctx context.Context, tx pgx.Tx, r *run) error {
			order, err := e.Repo.LockOrder(ctx, tx, orderID)
			if err != nil {
				return err
			}
			r.advance(PhaseValidated)
			if _, err := e.Repo.RecalcTotal(ctx, tx, order.ID); err != nil {
				return err
			}
			r.advance(PhaseMutated)
			return nil
		})
	if err != nil {
		return OrderDetails{}, err
	}
	return e.Query.GetOrder(ctx, orderID)
}

// AddCartLine puts a selection into the user's cart, creating the cart on first use.
func (e *Engine) AddCartLine(ctx context.Context, userID, productID, variantID string, qty int) (CartLine, error) {
	if !validID(userID) {
		return CartLine{}, notFound("user", userID)
	}
	if !validID(productID) {
		return CartLine{}, notFound("product", productID)
	}
	var line CartLine
	err := e.execute(ctx, "add_cart_line", []attribute.KeyValue{attribute.String("user.id", userID)},
		func(ctx context.Context, tx pgx.Tx, r *run) error {
			if _, err := e.Directory.GetUser(ctx, tx, userID); err != nil {
				return err
			}
			if _, err := e.Directory.GetProduct(ctx, tx, productID); err != nil {
				return err
			}
			if qty <= 0 {
				return invalidQuantity(qty)
			}
			r.advance(PhaseValidated)
			l, err := e.Carts.AddLine(ctx, tx, userID, productID, variantID, qty)
			if err != nil {
				return err
			}
			line = l
			r.advance(PhaseMutated)
			return nil
		})
	return line, err
}

// UpdateCartLine sets the quantity of one line of the user's cart.
func (e *Engine) UpdateCartLine(ctx context.Context, userID, lineID string, qty int) (CartLine, error) {
	if !validID(userID) {
		return CartLine{}, notFound("user", userID)
	}
	if !validID(lineID) {
		return CartLine{}, notFound("cart line", lineID)
	}
	var line CartLine
	attrs := []attribute.KeyValue{attribute.String("user.id", userID), attribute.String("cart_line.id", lineID)}
	err := e.execute(ctx, "update_cart_line", attrs, func(ctx context.Context, tx pgx.Tx, r *run) error {
		if _, err := e.Directory.GetUser(ctx, tx, userID); err != nil {
			return err
		}
		r.advance(PhaseValidated)
		l, err := e.Carts.SetLineQuantity(ctx, tx, userID, lineID, qty)
		if err != nil {
			return err
		}
		line = l
		r.advance(PhaseMutated)
		return nil
	})
	return line, err
}

// RemoveCartLine deletes one line of the user's cart.
func (e *Engine) RemoveCartLine(ctx context.Context, userID, lineID string) error {
	if !validID(userID) {
		return notFound("user", userID)
	}
	if !validID(lineID) {
		return notFound("cart line", lineID)
	}
	attrs := []attribute.KeyValue{attribute.String("user.id", userID), attribute.String("cart_line.id", lineID)}
	return e.execute(ctx, "remove_cart_line", attrs, func(ctx context.Context, tx pgx.Tx, r *run) error {
		if _, err := e.Directory.GetUser(ctx, tx, userID); err != nil {
			return err
		}
		r.advance(PhaseValidated)
		if err := e.Carts.RemoveLine(ctx, tx, userID, lineID); err != nil {
			return err
		}
		r.advance(PhaseMutated)
		return nil
	})
}

// ClearCart empties the user's cart. A user without a cart has nothing to clear.
func (e *Engine) ClearCart(ctx context.Context, userID string) error {
	if !validID(userID) {
		return notFound("user", userID)
	}
	return e.execute(ctx, "clear_cart", []attribute.KeyValue{attribute.String("user.id", userID)},
		func(ctx context.Context, tx pgx.Tx, r *run) error {
			if _, err := e.Directory.GetUser(ctx, tx, userID); err != nil {
				return err
			}
			cart, err := e.Carts.LockCart(ctx, tx, userID)
			if KindOf(err) == KindNotFound {
				r.advance(PhaseValidated)
				r.advance(PhaseMutated)
				return nil
			}
			if err != nil {
				return err
			}
			r.advance(PhaseValidated)
			if err := e.Carts.Drain(ctx, tx, cart.ID); err != nil {
				return err
			}
			r.advance(PhaseMutated)
			return nil
		})
}

// execute wraps fn in one transaction plus a span, a log line and metrics.
func (e *Engine) execute(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context, tx pgx.Tx, r *run) error) error {
	ctx, span := e.tracer().Start(ctx, "orders."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	r := newRun(op)
	err := classify(e.Tx.InTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, tx, r)
	}))
	elapsed := time.Since(start)

	outcome := "committed"
	if err != nil {
		r.advance(PhaseAborted)
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "internal"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		r.advance(PhaseCommitted)
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("workflow.phase", string(r.reached)), attribute.String("workflow.outcome", outcome))
	e.Metrics.Observe(op, outcome, elapsed)

	if e.Log != nil {
		fields := []zap.Field{
			zap.String("operation", op),
			zap.String("outcome", outcome),
			zap.String("phase", string(r.phase)),
			zap.String("reached", string(r.reached)),
			zap.Duration("duration", elapsed),
		}
		switch {
		case err == nil:
			e.Log.Info("workflow committed", fields...)
		case outcome == "internal":
			e.Log.Error("workflow aborted", append(fields, zap.Error(err))...)
		default:
			e.Log.Info("workflow aborted", append(fields, zap.Error(err))...)
		}
	}
	return err
}

func (e *Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer("github.com/ariefcatur/go-cart-orders/internal/orders")
}

// emit writes the event envelope to the outbox inside the current transaction.
func (e *Engine) emit(ctx context.Context, tx pgx.Tx, eventType, orderID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.Service,
		CorrelationID: orderID,
		Payload:       body,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	topic := e.EventsTopic
	if topic == "" {
		topic = DefaultTopicOrderEvents
	}
	if err := outbox.Insert(ctx, tx, env.EventID, eventType, topic, orderID, env); err != nil {
		return fmt.Errorf("emit %s: %w", eventType, err)
	}
	return nil
}

func ref(o Order) OrderRef {
	return OrderRef{OrderID: o.ID, UserID: o.UserID, Version: o.Version}
}

// itemChanged describes one item change; o is the header after the recalculation.
func itemChanged(o Order, it OrderItem, oldQty, newQty int) OrderItemChangedPayload {
	return OrderItemChangedPayload{
		OrderRef:    ref(o),
		ItemID:      it.ID,
		ProductID:   it.ProductID,
		VariantID:   it.VariantID,
		OldQuantity: oldQty,
		NewQuantity: newQty,
		Total:       o.Total,
	}
}

// validID rejects ids that cannot be uuids before they reach the database.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

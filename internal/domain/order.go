// Package domain holds the order model shared by the broker pipeline, the
// datastore, and the HTTP API.
package domain

import "errors"

// OrderStatus enumerates the lifecycle states an order can be in.
type OrderStatus string

const (
	StatusPending    OrderStatus = "PENDING"
	StatusProcessing OrderStatus = "PROCESSING"
	StatusShipped    OrderStatus = "SHIPPED"
	StatusDelivered  OrderStatus = "DELIVERED"
	StatusCancelled  OrderStatus = "CANCELLED"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// OrderItem is a single line item. It has no lifecycle of its own; it is
// owned entirely by its parent Order.
type OrderItem struct {
	ProductID string  `json:"productId" avro:"productId"`
	Name      string  `json:"name" avro:"name"`
	Quantity  int     `json:"quantity" avro:"quantity"`
	Price     float64 `json:"price" avro:"price"`
}

// Order is the event payload carried on the orders topic and the row stored
// in Postgres. The ID is always assigned by the publisher, never by callers.
type Order struct {
	ID          string      `json:"id" avro:"id"`
	CustomerID  string      `json:"customerId" avro:"customerId"`
	OrderDate   string      `json:"orderDate" avro:"orderDate"`
	Items       []OrderItem `json:"items" avro:"items"`
	TotalAmount float64     `json:"totalAmount" avro:"totalAmount"`
	Status      OrderStatus `json:"status" avro:"status"`
}

var (
	ErrCustomerIDRequired  = errors.New("orderflow: customerId is required")
	ErrOrderDateRequired   = errors.New("orderflow: orderDate is required")
	ErrItemsRequired       = errors.New("orderflow: items must contain at least one entry")
	ErrInvalidTotalAmount  = errors.New("orderflow: totalAmount must be non-negative")
	ErrInvalidItemQuantity = errors.New("orderflow: item quantity must be positive")
	ErrInvalidItemPrice    = errors.New("orderflow: item price must be non-negative")
	ErrInvalidStatus       = errors.New("orderflow: unknown order status")
)

// NewOrder is an order as submitted by API callers: everything except the
// identity, which the publisher generates.
type NewOrder struct {
	CustomerID  string      `json:"customerId"`
	OrderDate   string      `json:"orderDate"`
	Items       []OrderItem `json:"items"`
	TotalAmount float64     `json:"totalAmount"`
	Status      OrderStatus `json:"status"`
}

// Validate checks the submission against the schema invariants. An empty
// status is allowed and defaults to PENDING when the order is built.
func (n NewOrder) Validate() error {
	var errs []error
	if n.CustomerID == "" {
		errs = append(errs, ErrCustomerIDRequired)
	}
	if n.OrderDate == "" {
		errs = append(errs, ErrOrderDateRequired)
	}
	if len(n.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	for _, item := range n.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrInvalidItemQuantity)
		}
		if item.Price < 0 {
			errs = append(errs, ErrInvalidItemPrice)
		}
	}
	if n.TotalAmount < 0 {
		errs = append(errs, ErrInvalidTotalAmount)
	}
	if n.Status != "" && !n.Status.Valid() {
		errs = append(errs, ErrInvalidStatus)
	}
	return errors.Join(errs...)
}

// Build materialises the full Order under the given identity, defaulting the
// status to PENDING when the caller left it unset.
func (n NewOrder) Build(id string) Order {
	status := n.Status
	if status == "" {
		status = StatusPending
	}
	return Order{
		ID:          id,
		CustomerID:  n.CustomerID,
		OrderDate:   n.OrderDate,
		Items:       n.Items,
		TotalAmount: n.TotalAmount,
		Status:      status,
	}
}

// Package details implements the order-details validation service: a
// transactional consume-validate-produce loop that reads orders, checks
// their details, and publishes a PASS/FAIL verdict with the consumed
// offsets committed in the same transaction.
package details

import "github.com/ismaiel54/order-details-service/internal/msg"

// Validate checks the details of a single order.
// - Is there a customer id?
// - Is there a product?
// - Are quantity and price non-negative?
// Pure and deterministic; never blocks, never fails.
func Validate(order msg.Order) bool {
	if order.CustomerID == "" {
		return false
	}
	if order.Quantity < 0 {
		return false
	}
	if order.Price < 0 {
		return false
	}
	return order.Product != ""
}

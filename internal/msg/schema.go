package msg

// Order lifecycle states.
const (
	OrderCreated   = "CREATED"
	OrderValidated = "VALIDATED"
	OrderFailed    = "FAILED"
	OrderShipped   = "SHIPPED"
)

// Validation check types.
const (
	CheckOrderDetails = "ORDER_DETAILS_CHECK"
	CheckInventory    = "INVENTORY_CHECK"
	CheckFraud        = "FRAUD_CHECK"
)

// Validation results.
const (
	ResultPass = "PASS"
	ResultFail = "FAIL"
)

// Order represents an order consumed from the orders topic.
// An empty CustomerID or Product means the field was absent upstream.
type Order struct {
	ID         string  `json:"id"`
	CustomerID string  `json:"customer_id"`
	State      string  `json:"state"`
	Product    string  `json:"product"`
	Quantity   int64   `json:"quantity"`
	Price      float64 `json:"price"`
}

// OrderValidation is the verdict published for a single validation check,
// keyed by the originating order's id.
type OrderValidation struct {
	OrderID   string `json:"order_id"`
	CheckType string `json:"check_type"`
	Result    string `json:"result"`
}

package repositories

import "fmt"

// OrderErrorCode enumerates repository error causes for order operations.
type OrderErrorCode string

const (
	// OrderErrorUnknown represents an unspecified failure.
	OrderErrorUnknown OrderErrorCode = "order_unknown"
	// OrderErrorNotFound indicates the order document does not exist.
	OrderErrorNotFound OrderErrorCode = "order_not_found"
	// OrderErrorAlreadyExists indicates an order with the same id was already stored.
	OrderErrorAlreadyExists OrderErrorCode = "order_already_exists"
	// OrderErrorInvalidInput indicates the caller supplied invalid arguments.
	OrderErrorInvalidInput OrderErrorCode = "order_invalid_input"
	// OrderErrorCorrupt indicates the stored document could not be decoded.
	OrderErrorCorrupt OrderErrorCode = "order_corrupt"
)

// OrderError wraps order-specific persistence failures with machine readable codes.
type OrderError struct {
	Op      string
	Code    OrderErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *OrderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *OrderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the order was missing.
func (e *OrderError) IsNotFound() bool { return e != nil && e.Code == OrderErrorNotFound }

// IsConflict reports whether the write collided with an existing order.
func (e *OrderError) IsConflict() bool { return e != nil && e.Code == OrderErrorAlreadyExists }

// IsUnavailable is always false; transport failures surface as platform errors instead.
func (e *OrderError) IsUnavailable() bool { return false }

// NewOrderError constructs a typed order error.
func NewOrderError(op string, code OrderErrorCode, message string, err error) *OrderError {
	if message == "" {
		message = string(code)
	}
	return &OrderError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

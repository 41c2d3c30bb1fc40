package credits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared by the credit and plan services. Callers branch with
// errors.Is/As and map each kind to a user-facing outcome.
var (
	// ErrNotFound means the hold or subscription does not exist or does not
	// belong to the calling user.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the hold is not in the expected state, e.g. a second
	// consume or release on an already-resolved hold.
	ErrConflict = errors.New("hold already resolved")

	// ErrValidation means the request itself is malformed: non-positive
	// amount, unknown bucket or plan.
	ErrValidation = errors.New("validation failed")
)

// InsufficientCreditError is returned when the available balance (total minus
// active holds) is below the requested hold amount. Available lets the caller
// prompt for a purchase or upgrade with the exact shortfall.
type InsufficientCreditError struct {
	Available decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: available %s", e.Available)
}

// StorageError wraps a transient infrastructure failure. The whole call is
// safe to retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

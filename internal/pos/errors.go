package pos

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNoBinding           = errors.New("no register selected")
	ErrNoOpenShift         = errors.New("no open shift for this register")
	ErrShiftAlreadyOpen    = errors.New("shift already open")
	ErrEmptyCart           = errors.New("cart is empty")
	ErrInsufficientTender  = errors.New("amount tendered is less than total")
	ErrLineNotFound        = errors.New("cart line not found")
	ErrNoPendingApproval   = errors.New("no discount awaiting approval")
	ErrNoActiveReturn      = errors.New("no return in progress")
	ErrReturnItemNotFound  = errors.New("item is not part of this transaction")
	ErrNothingReturnable   = errors.New("item has nothing left to return")
	ErrReturnItemNotChosen = errors.New("item is not selected for return")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

package exception

import "errors"

var (
	ErrUnknownOrderReference = errors.New("order: unknown venue order reference")
	ErrDuplicateOrder        = errors.New("order: client id already tracked")
	ErrDuplicateFill         = errors.New("order: duplicate fill notification")
	ErrCloseOrderExists      = errors.New("order: close order already outstanding")
	ErrInvalidFillQty        = errors.New("order: invalid fill quantity")
)

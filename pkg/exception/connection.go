package exception

import "errors"

var (
	ErrInResponseError  = errors.New("there is an error in response error field")
	ErrConnectionClose  = errors.New("connection closed")
	ErrStreamNotReady   = errors.New("event stream not authenticated")
	ErrTransientNetwork = errors.New("transient network failure")
	ErrInvalidArgument  = errors.New("invalid argument")
)

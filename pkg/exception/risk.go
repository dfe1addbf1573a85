package exception

import "errors"

var (
	ErrRiskLimitExceeded   = errors.New("risk: limit exceeded")
	ErrEmergencyStopActive = errors.New("risk: emergency stop active")
	ErrHedgeFailed         = errors.New("hedge: placement failed")
	ErrHedgeRetryExhausted = errors.New("hedge: retry budget exhausted")
	ErrCloseRetryExhausted = errors.New("close: retry budget exhausted, position blocked")
)

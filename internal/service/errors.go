package service

import "errors"

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrAlreadyPaid      = errors.New("order already paid")
	ErrMissingReference = errors.New("payment reference is required")
	ErrInvalidOrder     = errors.New("invalid order")
)

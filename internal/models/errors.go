package models

import "errors"

var (
	ErrMissingID             = errors.New("operation id is required")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	ErrMissingType           = errors.New("operation type is required")
	ErrInvalidStatus         = errors.New("invalid operation status")
	ErrInvalidPayload        = errors.New("payload is not valid JSON")
)

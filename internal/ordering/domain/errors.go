package domain

import "errors"

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrContractNotFound = errors.New("contract not found for the given item")
	ErrInvalidConcept   = errors.New("invalid charge concept, must be initial, recurring, or usage")
)

package collection

import "errors"

var (
	ErrNotFound     = errors.New("collection not found")
	ErrInvalidID    = errors.New("empty collection or component id")
	ErrNotGenerated = errors.New("collection is not generated")
)

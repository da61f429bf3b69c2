package store

import "errors"

var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicate       = errors.New("duplicate record")
	ErrVersionConflict = errors.New("record version conflict")
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

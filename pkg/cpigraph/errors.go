package cpigraph

import "errors"

// Staging errors. They fail the offending call with no side effects.
var (
	ErrDeletedElement   = errors.New("element was deleted in this transaction")
	ErrNullID           = errors.New("id must not be empty")
	ErrNullLabel        = errors.New("edge label must not be empty")
	ErrEmptyKey         = errors.New("property key must not be empty")
	ErrNilValue         = errors.New("property value must not be nil")
	ErrReservedProperty = errors.New("property key is reserved")
	ErrAlreadyExists    = errors.New("element already exists")
	ErrNotFound         = errors.New("element not found")
	ErrBothDirection    = errors.New("direction both is not valid here")
	ErrForeignElement   = errors.New("element belongs to another transaction")
)

// Manager errors.
var (
	ErrGraphExists   = errors.New("graph already exists")
	ErrManagerClosed = errors.New("manager closed")
)

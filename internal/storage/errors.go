package storage

import "errors"

var (
	ErrNotFound  = errors.New("trigger not found")
	ErrConflict  = errors.New("trigger version conflict")
	ErrDuplicate = errors.New("trigger already exists")
	ErrClosed    = errors.New("store closed")
)

// Package repository holds what every job record store shares: sentinel errors and
// read options. Implementations live in the subpackages.
package repository

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by Put when the stored version differs from the version
	// the caller read.
	ErrConflict = errors.New("version conflict")
)

// GetOptions controls a read. ForceRefresh asks for the freshest copy, bypassing any
// cache in front of the authoritative store.
type GetOptions struct {
	ForceRefresh bool
}

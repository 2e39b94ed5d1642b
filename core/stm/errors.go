package stm

import "errors"

// --- Error Definitions ---

var (
	// ErrTxnExpired is the panic payload raised when a cell is read or
	// written through a transaction handle that is no longer active. This is
	// a structural bug in the calling code, not a recoverable condition, so
	// it is deliberately a panic rather than an error return.
	ErrTxnExpired = errors.New("stm: transaction is no longer active")

	// ErrForeignCell is the panic payload raised when a transaction touches
	// a cell that belongs to a different engine instance. Cells are owned by
	// exactly one engine; mixing engines would bypass commit serialization.
	ErrForeignCell = errors.New("stm: cell belongs to a different engine")
)

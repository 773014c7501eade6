package region

import "errors"

var (
	// ErrPayloadTooLarge is returned when a compressed chunk exceeds the
	// configured ceiling. The chunk slot is cleared.
	ErrPayloadTooLarge = errors.New("region: chunk payload too large")

	// ErrCorrupt classifies malformed region data. It is logged by the
	// read paths and never returned to callers of Read.
	ErrCorrupt = errors.New("region: corrupt chunk data")

	// ErrUnknownFormat is a corrupt body whose format tag or codec name is
	// not recognised.
	ErrUnknownFormat = errors.New("region: unknown compression format")

	// ErrClosed is returned by operations on a closed file or store.
	ErrClosed = errors.New("region: closed")
)

package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: record does not exist in store
// - ErrConflict: lost a unique constraint race to a concurrent writer
// - ErrInvalidState: record in wrong lifecycle state for requested operation
// - ErrTimeout: storage operation exceeded its bounded deadline
// - ErrUnavailable: store or external reference temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrTimeout      = errors.New("timeout")
	ErrUnavailable  = errors.New("unavailable")
)

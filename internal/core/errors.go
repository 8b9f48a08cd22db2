package core

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrLockHeld          = errors.New("summary board is locked by another cycle")
	ErrConflict          = errors.New("summary board was modified concurrently")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrIndexUnavailable  = errors.New("vector index unavailable")
	ErrInvalidFrequency  = errors.New("update frequency must be at least 1")
	ErrEmptyEmbedding    = errors.New("embedding is empty or zero")
)

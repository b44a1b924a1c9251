package moe

import "errors"

var (
	// ErrExpertOutOfRange means gating produced an expert id outside [0, numExperts).
	ErrExpertOutOfRange = errors.New("moe: expert index out of range")
	// ErrInvalidIndptr means expert boundaries are not a valid exclusive prefix sum.
	ErrInvalidIndptr = errors.New("moe: invalid indptr")
)

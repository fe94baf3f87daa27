package models

import "errors"

var (
	// A configured detector failed to initialize. Non-fatal: the detector is left out of the roster.
	ErrDetectorUnavailable = errors.New("detector unavailable")

	// Malformed, undecodable, or out-of-range input. Fatal for the single call.
	ErrInvalidImage = errors.New("invalid image")

	// A poll exceeded its deadline. The caller decides whether to retry.
	ErrAnalysisTimeout = errors.New("analysis timed out")

	// The tier chain produced nothing. The demo tier cannot fail, so this is a programming defect.
	ErrAllTiersExhausted = errors.New("all inference tiers exhausted")
)

package planner

import "errors"

var (
	// ErrStorageExhausted means no storage square could hold the piece.
	ErrStorageExhausted = errors.New("storage exhausted")

	// ErrFallbackUnavailable means storage is full and neither the tool
	// pusher nor edge pushing could take over.
	ErrFallbackUnavailable = errors.New("no capture removal strategy available")

	// ErrPieceNotFound means a required piece is not present in storage,
	// typically the piece a pawn wants to promote to.
	ErrPieceNotFound = errors.New("piece not found in storage")

	// ErrInvalidAnalysis means the move analysis is missing fields the
	// planner needs, such as the captured piece on a capture.
	ErrInvalidAnalysis = errors.New("invalid move analysis")
)

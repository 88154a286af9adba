package apperrors

import (
	"errors"
)

var (
	ErrShutdown = errors.New("shutdown error")

	ErrCredential = errors.New("invalid credentials")
	ErrLockHeld   = errors.New("run lock is held by another instance")

	ErrQuery  = errors.New("failed to query pending records")
	ErrUpdate = errors.New("failed to mark record as processed")

	ErrImageFetch = errors.New("failed to fetch image")
	ErrRender     = errors.New("failed to render document")

	ErrInvalidRecipient = errors.New("invalid recipient address")
	ErrMail             = errors.New("failed to deliver mail")
)

const (
	StageRender  = "render"
	StageDeliver = "deliver"
	StageAck     = "acknowledge"
	StageUnknown = "unknown"
)

// Stage maps a per-record error to the pipeline stage that produced it.
func Stage(err error) string {
	switch {
	case errors.Is(err, ErrRender), errors.Is(err, ErrImageFetch):
		return StageRender
	case errors.Is(err, ErrMail), errors.Is(err, ErrInvalidRecipient):
		return StageDeliver
	case errors.Is(err, ErrUpdate):
		return StageAck
	default:
		return StageUnknown
	}
}

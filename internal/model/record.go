package model

import (
	"time"
)

type Record struct {
	ID          string     `db:"id"`
	Title       string     `db:"title"`
	Body        string     `db:"body"`
	ImageRef    *string    `db:"image_ref"`
	Recipient   string     `db:"recipient"`
	Processed   bool       `db:"processed"`
	CreatedAt   *time.Time `db:"created_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

// HasImage reports whether the record points at a remote image.
func (r Record) HasImage() bool {
	return r.ImageRef != nil && *r.ImageRef != ""
}

type RecordState string

const (
	StatePending      RecordState = "pending"
	StateRendering    RecordState = "rendering"
	StateDelivering   RecordState = "delivering"
	StateAcknowledged RecordState = "acknowledged"
	StateFailed       RecordState = "failed"
)

type Report struct {
	RunID          string        `json:"run_id"`
	Pending        int           `json:"pending"`
	Processed      int           `json:"processed"`
	Failed         int           `json:"failed"`
	Unacknowledged int           `json:"unacknowledged"`
	Duration       time.Duration `json:"duration"`
}

package dto

import (
	"time"

	"github.com/classdesk/classdesk-api/internal/models"
)

// CreateSubjectRequest creates a subject owned by one or more classes.
type CreateSubjectRequest struct {
	Type        models.SubjectType `json:"type" validate:"required"`
	Title       string             `json:"title" validate:"required"`
	Description string             `json:"description"`
	Deadline    *time.Time         `json:"deadline"`
	ClassIDs    []string           `json:"class_ids" validate:"required,min=1"`
}

// SetSubjectStateRequest transitions a subject between OPEN and CLOSED.
type SetSubjectStateRequest struct {
	State models.SubjectState `json:"state" validate:"required,oneof=OPEN CLOSED"`
}

// SubjectFilter captures subject listing query parameters.
type SubjectFilter struct {
	Type    models.SubjectType
	State   models.SubjectState
	ClassID string
	Limit   int
	Offset  int
}

// ProgressResponse is the derived submission progress for a subject.
// Display carries the human-readable "N / M" pair.
type ProgressResponse struct {
	SubjectID string `json:"subject_id"`
	Submitted int    `json:"submitted"`
	Expected  int    `json:"expected"`
	Display   string `json:"display"`
}

// SubjectResponse enriches a subject with its computed lifecycle state.
type SubjectResponse struct {
	models.Subject
	EffectiveState models.SubjectState `json:"effective_state"`
}

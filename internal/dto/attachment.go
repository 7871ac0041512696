package dto

import "github.com/classdesk/classdesk-api/internal/models"

// UploadAttachmentRequest carries the optional assisted-upload target.
// When ContributorID is empty the upload is a self-service submission by
// the authenticated actor.
type UploadAttachmentRequest struct {
	ContributorID string `form:"contributorId" json:"contributorId"`
}

// CreateReviewRequest attaches a review comment (and optionally a grading
// file via multipart) to an attachment version.
type CreateReviewRequest struct {
	VersionID int64  `form:"versionId" json:"versionId" validate:"required"`
	Comment   string `form:"comment" json:"comment" validate:"required"`
}

// RetireResponse reports how many records a delete retired, for the
// user-facing confirmation message.
type RetireResponse struct {
	RetiredCount int64 `json:"retired_count"`
}

// AccessCheckResponse reports the resolver decision for an operation.
type AccessCheckResponse struct {
	Operation string `json:"operation"`
	Allowed   bool   `json:"allowed"`
}

// VersionResponse is the uploaded version echoed back to the client.
type VersionResponse struct {
	models.AttachmentVersion
}

// HistoryResponse lists a chain's revisions for audit views.
type HistoryResponse struct {
	Versions []models.AttachmentVersion `json:"versions"`
	Reviews  []models.ReviewRecord      `json:"reviews,omitempty"`
}

package models

import "time"

// VersionStatus tracks the lifecycle of one uploaded file revision.
type VersionStatus string

const (
	// VersionCurrent is the single servable revision of a chain.
	VersionCurrent VersionStatus = "CURRENT"
	// VersionSuperseded revisions are retained for audit but never served
	// through the regular download path.
	VersionSuperseded VersionStatus = "SUPERSEDED"
	// VersionRetired revisions were explicitly deleted along with their
	// dependent records and are never servable again.
	VersionRetired VersionStatus = "RETIRED"
)

// AttachmentVersion is one uploaded file revision inside a chain. Version
// ids come from a global sequence: monotonic, immutable, never reused.
type AttachmentVersion struct {
	ID             int64         `db:"id" json:"id"`
	SubjectID      string        `db:"subject_id" json:"subject_id"`
	ContributorID  *string       `db:"contributor_id" json:"contributor_id,omitempty"`
	ContributorKey string        `db:"contributor_key" json:"-"`
	UploaderID     string        `db:"uploader_id" json:"uploader_id"`
	StorageKey     string        `db:"storage_key" json:"-"`
	Filename       string        `db:"filename" json:"filename"`
	MimeType       string        `db:"mime_type" json:"mime_type"`
	SizeBytes      int64         `db:"size_bytes" json:"size_bytes"`
	Status         VersionStatus `db:"status" json:"status"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	RetiredAt      *time.Time    `db:"retired_at" json:"retired_at,omitempty"`
}

// ChainKey computes the contributor key identifying a chain within a
// subject. Global-chain subject types collapse every contributor onto the
// empty key.
func ChainKey(t SubjectType, contributorID string) string {
	if t.GlobalChain() {
		return ""
	}
	return contributorID
}

// ReviewRecord is a side record attached to a specific version: a review
// comment plus an optional grading file. Retiring the version retires its
// review records in the same transaction.
type ReviewRecord struct {
	ID              string     `db:"id" json:"id"`
	VersionID       int64      `db:"version_id" json:"version_id"`
	AuthorID        string     `db:"author_id" json:"author_id"`
	Comment         string     `db:"comment" json:"comment"`
	GradingKey      *string    `db:"grading_key" json:"-"`
	GradingFilename *string    `db:"grading_filename" json:"grading_filename,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	RetiredAt       *time.Time `db:"retired_at" json:"retired_at,omitempty"`
}

// ProgressRecord is the derived "N of M submitted" pair for a subject.
// Recomputed on every read, never stored.
type ProgressRecord struct {
	SubjectID string `json:"subject_id"`
	Submitted int    `json:"submitted"`
	Expected  int    `json:"expected"`
}

// ProgressRow details one roster member's submission state, used by the
// progress export.
type ProgressRow struct {
	StudentID   string     `db:"student_id" json:"student_id"`
	StudentName string     `db:"student_name" json:"student_name"`
	VersionID   *int64     `db:"version_id" json:"version_id,omitempty"`
	Filename    *string    `db:"filename" json:"filename,omitempty"`
	SubmittedAt *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
}

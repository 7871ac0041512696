package models

import "time"

// SubjectType tags the feature a subject belongs to.
type SubjectType string

const (
	SubjectAssignment SubjectType = "ASSIGNMENT"
	SubjectLibrary    SubjectType = "LIBRARY"
	SubjectReference  SubjectType = "REFERENCE"
	SubjectStatement  SubjectType = "STATEMENT"
	SubjectAbsence    SubjectType = "ABSENCE"
)

// Valid reports whether the type is one of the known subject types.
func (t SubjectType) Valid() bool {
	switch t {
	case SubjectAssignment, SubjectLibrary, SubjectReference, SubjectStatement, SubjectAbsence:
		return true
	}
	return false
}

// GlobalChain reports whether subjects of this type hold one shared
// attachment chain instead of one chain per contributor. Library resources
// are a single file visible to the whole scope.
func (t SubjectType) GlobalChain() bool {
	return t == SubjectLibrary
}

// SubjectState is the stored lifecycle state. OVERDUE is never stored: it is
// derived from the deadline at read time so no background transition job is
// needed.
type SubjectState string

const (
	SubjectOpen    SubjectState = "OPEN"
	SubjectClosed  SubjectState = "CLOSED"
	SubjectOverdue SubjectState = "OVERDUE"
)

// Subject is an entity owning attachment chains: an assignment, a library
// entry, a reference project, a statement project or an absence record.
type Subject struct {
	ID          string       `db:"id" json:"id"`
	Type        SubjectType  `db:"type" json:"type"`
	Title       string       `db:"title" json:"title"`
	Description string       `db:"description" json:"description"`
	State       SubjectState `db:"state" json:"state"`
	Deadline    *time.Time   `db:"deadline" json:"deadline,omitempty"`
	CreatedBy   string       `db:"created_by" json:"created_by"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`

	// ClassIDs is the owning scope, loaded from subject_classes.
	ClassIDs []string `db:"-" json:"class_ids"`
}

// EffectiveState resolves the lifecycle state at the given instant.
func (s *Subject) EffectiveState(now time.Time) SubjectState {
	if s.State == SubjectClosed {
		return SubjectClosed
	}
	if s.Deadline != nil && !now.Before(*s.Deadline) {
		return SubjectOverdue
	}
	return SubjectOpen
}

// Writable decides whether a write to one of the subject's chains is allowed
// for the acting role. selfService marks a contributor uploading their own
// work; assisted uploads on behalf of a contributor are not self-service.
//
// Overdue subjects reject contributor self-uploads but still accept
// teacher/administrator assisted uploads; closed subjects accept
// administrator uploads only.
func (s *Subject) Writable(role UserRole, selfService bool, now time.Time) bool {
	switch s.EffectiveState(now) {
	case SubjectOpen:
		return true
	case SubjectOverdue:
		return !selfService && (role.IsAdmin() || role == RoleTeacher)
	case SubjectClosed:
		return role.IsAdmin()
	}
	return false
}

// InScope reports whether any of the given class memberships overlap the
// subject's owning scope.
func (s *Subject) InScope(classIDs []string) bool {
	for _, owned := range s.ClassIDs {
		for _, member := range classIDs {
			if owned == member {
				return true
			}
		}
	}
	return false
}

// SubjectFilter narrows subject listing queries. ClassIDs restricts the
// listing to subjects scoped to any of the given classes, used to confine
// non-administrators to their own memberships.
type SubjectFilter struct {
	Type     SubjectType
	State    SubjectState
	ClassID  string
	ClassIDs []string
	Limit    int
	Offset   int
}

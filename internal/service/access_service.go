package service

import (
	"go.uber.org/zap"

	"github.com/classdesk/classdesk-api/internal/models"
	appErrors "github.com/classdesk/classdesk-api/pkg/errors"
)

// ChainOp names an operation the access resolver can authorize against an
// attachment chain or its owning subject.
type ChainOp string

const (
	OpView     ChainOp = "view"
	OpDownload ChainOp = "download"
	OpUpload   ChainOp = "upload"
	OpRetire   ChainOp = "retire"
	OpHistory  ChainOp = "history"
	OpReview   ChainOp = "review"
	OpProgress ChainOp = "progress"
	OpBulk     ChainOp = "bulk"
)

// AccessService is the single authorization choke point for attachment and
// subject operations. Every denial is one of exactly two errors:
//
//   - ErrNotFound when the actor has no read relationship with the resource,
//     so the refusal is indistinguishable from the resource not existing
//   - ErrForbidden when the actor may know the resource exists but lacks the
//     capability for the requested operation
//
// Handlers never pick between the two themselves.
type AccessService struct {
	logger *zap.Logger
}

// NewAccessService constructs the resolver.
func NewAccessService(logger *zap.Logger) *AccessService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessService{logger: logger}
}

// Decide authorizes op against the chain identified by contributorKey within
// the subject. The empty contributorKey addresses the subject's shared chain
// for global-chain subject types, or subject-level operations such as
// progress and bulk download.
func (s *AccessService) Decide(actor *models.JWTClaims, subject *models.Subject, op ChainOp, contributorKey string) error {
	if actor == nil {
		return appErrors.Clone(appErrors.ErrUnauthorized, "authentication required")
	}
	if subject == nil {
		return appErrors.Clone(appErrors.ErrNotFound, "resource not found")
	}

	if actor.Role.IsAdmin() {
		return nil
	}

	if !subject.InScope(actor.ClassIDs) {
		// No relationship at all: hide existence regardless of role.
		return appErrors.Clone(appErrors.ErrNotFound, "resource not found")
	}

	switch actor.Role {
	case models.RoleTeacher:
		if op == OpUpload && contributorKey == actor.UserID {
			// Per-contributor chains collect submissions, and staff are not
			// submitters. Teachers write shared chains and assist student
			// chains, never a submission chain of their own.
			return appErrors.Clone(appErrors.ErrForbidden, "insufficient permissions for this operation")
		}
		// Otherwise teachers hold full capability inside their scope.
		return nil
	case models.RoleStudent:
		return s.decideStudent(actor, subject, op, contributorKey)
	}

	s.logger.Warn("access decision for unknown role",
		zap.String("role", string(actor.Role)),
		zap.String("subject_id", subject.ID),
		zap.String("op", string(op)))
	return appErrors.Clone(appErrors.ErrForbidden, "forbidden")
}

func (s *AccessService) decideStudent(actor *models.JWTClaims, subject *models.Subject, op ChainOp, contributorKey string) error {
	ownKey := models.ChainKey(subject.Type, actor.UserID)

	if contributorKey == ownKey {
		if subject.Type.GlobalChain() {
			// The shared chain is readable by every scope member but only
			// staff may change it. The student can see the file, so the
			// denial names the missing capability instead of hiding it.
			switch op {
			case OpView, OpDownload:
				return nil
			default:
				return appErrors.Clone(appErrors.ErrForbidden, "insufficient permissions for this operation")
			}
		}
		switch op {
		case OpView, OpDownload, OpUpload, OpRetire, OpHistory:
			return nil
		default:
			// Progress, reviews and bulk downloads stay staff-only, and the
			// student plainly knows their own subject exists.
			return appErrors.Clone(appErrors.ErrForbidden, "insufficient permissions for this operation")
		}
	}

	if op == OpProgress || op == OpReview || op == OpBulk {
		// Subject-level staff operations: the student sees the subject, so
		// this is a capability denial, not an existence question.
		return appErrors.Clone(appErrors.ErrForbidden, "insufficient permissions for this operation")
	}

	// Another contributor's chain. Sharing a class does not grant a read
	// relationship with classmates' submissions, so hide them.
	return appErrors.Clone(appErrors.ErrNotFound, "resource not found")
}

// DecideAssisted authorizes an upload performed on behalf of another
// contributor. Only staff inside the subject's scope may assist.
func (s *AccessService) DecideAssisted(actor *models.JWTClaims, subject *models.Subject) error {
	if actor == nil {
		return appErrors.Clone(appErrors.ErrUnauthorized, "authentication required")
	}
	if subject == nil {
		return appErrors.Clone(appErrors.ErrNotFound, "resource not found")
	}
	if actor.Role.IsAdmin() {
		return nil
	}
	if !subject.InScope(actor.ClassIDs) {
		return appErrors.Clone(appErrors.ErrNotFound, "resource not found")
	}
	if actor.Role == models.RoleTeacher {
		return nil
	}
	return appErrors.Clone(appErrors.ErrForbidden, "insufficient permissions for this operation")
}

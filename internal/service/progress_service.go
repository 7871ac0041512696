package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/classdesk/classdesk-api/internal/dto"
	"github.com/classdesk/classdesk-api/internal/models"
	appErrors "github.com/classdesk/classdesk-api/pkg/errors"
	"github.com/classdesk/classdesk-api/pkg/export"
)

type progressRepository interface {
	Progress(ctx context.Context, subjectID string) (models.ProgressRecord, error)
	ProgressRows(ctx context.Context, subjectID string) ([]models.ProgressRow, error)
}

// ProgressService derives submission progress for a subject. Counts are
// recomputed from the roster and chain state on every call so the pair is
// always internally consistent; nothing here is ever cached.
type ProgressService struct {
	repo     progressRepository
	subjects subjectLoader
	access   *AccessService
	csv      *export.CSVExporter
	pdf      *export.PDFExporter
	logger   *zap.Logger
}

// NewProgressService constructs the service.
func NewProgressService(repo progressRepository, subjects subjectLoader, access *AccessService, csv *export.CSVExporter, pdf *export.PDFExporter, logger *zap.Logger) *ProgressService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressService{repo: repo, subjects: subjects, access: access, csv: csv, pdf: pdf, logger: logger}
}

// Progress returns the "N of M" submission counts for a subject.
func (s *ProgressService) Progress(ctx context.Context, actor *models.JWTClaims, subjectID string) (*dto.ProgressResponse, error) {
	subject, err := s.subjects.Load(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if err := s.access.Decide(actor, subject, OpProgress, ""); err != nil {
		return nil, err
	}

	record, err := s.repo.Progress(ctx, subjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute progress")
	}

	return &dto.ProgressResponse{
		SubjectID: record.SubjectID,
		Submitted: record.Submitted,
		Expected:  record.Expected,
		Display:   fmt.Sprintf("%d / %d", record.Submitted, record.Expected),
	}, nil
}

// Export renders the per-student progress table as CSV or PDF.
func (s *ProgressService) Export(ctx context.Context, actor *models.JWTClaims, subjectID, format string) ([]byte, string, string, error) {
	subject, err := s.subjects.Load(ctx, subjectID)
	if err != nil {
		return nil, "", "", err
	}
	if err := s.access.Decide(actor, subject, OpProgress, ""); err != nil {
		return nil, "", "", err
	}

	rows, err := s.repo.ProgressRows(ctx, subjectID)
	if err != nil {
		return nil, "", "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load progress rows")
	}

	dataset := export.Dataset{
		Headers: []string{"Student", "Submitted", "Filename", "Submitted At"},
		Rows:    make([]map[string]string, 0, len(rows)),
	}
	for _, row := range rows {
		record := map[string]string{
			"Student":   row.StudentName,
			"Submitted": strconv.FormatBool(row.VersionID != nil),
		}
		if row.Filename != nil {
			record["Filename"] = *row.Filename
		}
		if row.SubmittedAt != nil {
			record["Submitted At"] = row.SubmittedAt.UTC().Format(time.RFC3339)
		}
		dataset.Rows = append(dataset.Rows, record)
	}

	base := sanitizeFilePart(subject.Title)
	if base == "" {
		base = "progress"
	}

	switch format {
	case "csv", "":
		payload, err := s.csv.Render(dataset)
		if err != nil {
			return nil, "", "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
		}
		return payload, base + ".csv", "text/csv", nil
	case "pdf":
		payload, err := s.pdf.Render(dataset, subject.Title)
		if err != nil {
			return nil, "", "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
		}
		return payload, base + ".pdf", "application/pdf", nil
	default:
		return nil, "", "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}
}

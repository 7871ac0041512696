package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/classdesk/classdesk-api/internal/dto"
	"github.com/classdesk/classdesk-api/internal/models"
	appErrors "github.com/classdesk/classdesk-api/pkg/errors"
)

type subjectRepository interface {
	Create(ctx context.Context, subject *models.Subject) error
	GetByID(ctx context.Context, id string) (*models.Subject, error)
	List(ctx context.Context, filter models.SubjectFilter) ([]models.Subject, error)
	SetState(ctx context.Context, id string, state models.SubjectState, at time.Time) error
}

type subjectCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

type auditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// SubjectServiceConfig carries deployment toggles for the subject layer.
type SubjectServiceConfig struct {
	EnabledTypes []string
	CacheTTL     time.Duration
}

// SubjectService manages subjects: the assignments, library entries and
// other records that own attachment chains. Subject metadata is cached;
// progress and state transitions never are.
type SubjectService struct {
	repo      subjectRepository
	cache     subjectCache
	audit     auditWriter
	access    *AccessService
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	enabled   map[models.SubjectType]bool
	cacheTTL  time.Duration
}

// WithMetrics attaches cache instrumentation.
func (s *SubjectService) WithMetrics(m *MetricsService) *SubjectService {
	s.metrics = m
	return s
}

// NewSubjectService constructs the service.
func NewSubjectService(repo subjectRepository, cache subjectCache, audit auditWriter, access *AccessService, validate *validator.Validate, logger *zap.Logger, cfg SubjectServiceConfig) *SubjectService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	enabled := make(map[models.SubjectType]bool, len(cfg.EnabledTypes))
	for _, t := range cfg.EnabledTypes {
		enabled[models.SubjectType(t)] = true
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SubjectService{
		repo:      repo,
		cache:     cache,
		audit:     audit,
		access:    access,
		validator: validate,
		logger:    logger,
		enabled:   enabled,
		cacheTTL:  ttl,
	}
}

func subjectCacheKey(id string) string {
	return fmt.Sprintf("subject:%s", id)
}

// Create registers a new subject with its owning class scope. Staff only.
func (s *SubjectService) Create(ctx context.Context, actor *models.JWTClaims, req dto.CreateSubjectRequest) (*dto.SubjectResponse, error) {
	if actor == nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "authentication required")
	}
	if !actor.Role.IsAdmin() && actor.Role != models.RoleTeacher {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "insufficient permissions for this operation")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid subject payload")
	}
	if !req.Type.Valid() || !s.enabled[req.Type] {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("subject type %s is not enabled", req.Type))
	}
	if actor.Role == models.RoleTeacher {
		for _, classID := range req.ClassIDs {
			if !actor.MemberOf(classID) {
				return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot create subjects outside assigned classes")
			}
		}
	}

	subject := &models.Subject{
		Type:        req.Type,
		Title:       req.Title,
		Description: req.Description,
		State:       models.SubjectOpen,
		Deadline:    req.Deadline,
		CreatedBy:   actor.UserID,
		ClassIDs:    req.ClassIDs,
	}
	if err := s.repo.Create(ctx, subject); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create subject")
	}

	s.writeAudit(ctx, actor.UserID, models.AuditActionSubjectCreate, subject.ID, map[string]interface{}{
		"type":  subject.Type,
		"title": subject.Title,
	})

	return s.toResponse(subject), nil
}

// Get loads a subject for the acting user, resolving its effective state.
func (s *SubjectService) Get(ctx context.Context, actor *models.JWTClaims, id string) (*dto.SubjectResponse, error) {
	subject, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.access.Decide(actor, subject, OpView, models.ChainKey(subject.Type, actorID(actor))); err != nil {
		return nil, err
	}
	return s.toResponse(subject), nil
}

// List returns subjects visible to the actor. Non-administrators are
// confined to subjects scoped to their own classes.
func (s *SubjectService) List(ctx context.Context, actor *models.JWTClaims, filter dto.SubjectFilter) ([]dto.SubjectResponse, error) {
	if actor == nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "authentication required")
	}

	modelFilter := models.SubjectFilter{
		Type:    filter.Type,
		State:   filter.State,
		ClassID: filter.ClassID,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}
	if !actor.Role.IsAdmin() {
		if filter.ClassID != "" && !actor.MemberOf(filter.ClassID) {
			// Not a member: the class roster is invisible to them.
			return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
		}
		if filter.ClassID == "" {
			if len(actor.ClassIDs) == 0 {
				return []dto.SubjectResponse{}, nil
			}
			modelFilter.ClassIDs = actor.ClassIDs
		}
	}

	subjects, err := s.repo.List(ctx, modelFilter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list subjects")
	}

	responses := make([]dto.SubjectResponse, 0, len(subjects))
	for i := range subjects {
		responses = append(responses, *s.toResponse(&subjects[i]))
	}
	return responses, nil
}

// SetState transitions a subject between OPEN and CLOSED. OVERDUE is never
// stored; it is derived from the deadline at read time.
func (s *SubjectService) SetState(ctx context.Context, actor *models.JWTClaims, id string, req dto.SetSubjectStateRequest) (*dto.SubjectResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid state payload")
	}

	subject, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.access.Decide(actor, subject, OpProgress, ""); err != nil {
		// State transitions share the staff-only capability class with
		// progress reads.
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.repo.SetState(ctx, id, req.State, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update subject state")
	}

	s.invalidate(ctx, id)
	s.writeAudit(ctx, actor.UserID, models.AuditActionSubjectState, id, map[string]interface{}{
		"from": subject.State,
		"to":   req.State,
	})

	subject.State = req.State
	subject.UpdatedAt = now
	return s.toResponse(subject), nil
}

// Load fetches a subject for sibling services, cache-first.
func (s *SubjectService) Load(ctx context.Context, id string) (*models.Subject, error) {
	return s.load(ctx, id)
}

// Invalidate drops the cached copy of a subject.
func (s *SubjectService) Invalidate(ctx context.Context, id string) {
	s.invalidate(ctx, id)
}

func (s *SubjectService) load(ctx context.Context, id string) (*models.Subject, error) {
	if s.cache != nil {
		var cached models.Subject
		start := time.Now()
		err := s.cache.Get(ctx, subjectCacheKey(id), &cached)
		s.metrics.RecordCacheOperation(err == nil, time.Since(start))
		if err == nil {
			return &cached, nil
		}
		if !appErrors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("subject cache read failed", zap.String("subject_id", id), zap.Error(err))
		}
	}

	subject, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, subjectCacheKey(id), subject, s.cacheTTL); err != nil {
			s.logger.Warn("subject cache write failed", zap.String("subject_id", id), zap.Error(err))
		}
	}
	return subject, nil
}

func (s *SubjectService) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, subjectCacheKey(id)); err != nil {
		s.logger.Warn("subject cache invalidation failed", zap.String("subject_id", id), zap.Error(err))
	}
}

func (s *SubjectService) toResponse(subject *models.Subject) *dto.SubjectResponse {
	return &dto.SubjectResponse{
		Subject:        *subject,
		EffectiveState: subject.EffectiveState(time.Now().UTC()),
	}
}

func (s *SubjectService) writeAudit(ctx context.Context, userID, action, resourceID string, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	payload, err := json.Marshal(values)
	if err != nil {
		payload = nil
	}
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "subject",
		ResourceID: &resourceID,
		NewValues:  payload,
	}); err != nil {
		s.logger.Warn("failed to record subject audit log", zap.Error(err))
	}
}

func actorID(actor *models.JWTClaims) string {
	if actor == nil {
		return ""
	}
	return actor.UserID
}

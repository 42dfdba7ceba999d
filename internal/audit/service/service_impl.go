package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/paintops/crewclock/internal/audit/domain"
	"github.com/paintops/crewclock/internal/clock"
	"github.com/paintops/crewclock/internal/requestmeta"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Record persists the event. An audit write failure is logged and
// swallowed so it never fails the operation being audited.
func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) {
	eventType := strings.TrimSpace(entry.EventType)
	if eventType == "" {
		s.log.Warn("dropping audit event with empty type")
		return
	}

	actorType := strings.TrimSpace(entry.ActorType)
	if actorType == "" {
		actorType = "system"
	}
	targetType := strings.TrimSpace(entry.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}
	severity := strings.TrimSpace(entry.Severity)
	if severity == "" {
		severity = auditdomain.DefaultSeverity(eventType)
	}

	payload := map[string]any{}
	for key, value := range entry.Metadata {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	if requestID := requestmeta.RequestIDFromContext(ctx); requestID != "" {
		payload["request_id"] = requestID
	}

	event := auditdomain.SecurityEvent{
		ID:         s.genID.Generate(),
		CompanyID:  entry.CompanyID,
		EventType:  eventType,
		Severity:   severity,
		ActorType:  actorType,
		ActorUID:   normalizePointer(entry.ActorUID),
		TargetType: targetType,
		TargetID:   normalizePointer(entry.TargetID),
		Metadata:   datatypes.JSONMap(payload),
		CreatedAt:  s.clock.Now(),
	}
	if ip := requestmeta.ClientIPFromContext(ctx); ip != "" {
		event.IPAddress = &ip
	}
	if ua := requestmeta.UserAgentFromContext(ctx); ua != "" {
		event.UserAgent = &ua
	}

	if err := s.repo.Insert(context.WithoutCancel(ctx), &event); err != nil {
		s.log.Warn("failed to write security audit event",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func (s *Service) List(ctx context.Context, filter auditdomain.ListFilter) ([]*auditdomain.SecurityEvent, error) {
	if filter.CompanyID == 0 {
		return nil, auditdomain.ErrInvalidCompany
	}
	if filter.StartAt != nil && filter.EndAt != nil && filter.StartAt.After(*filter.EndAt) {
		return nil, auditdomain.ErrInvalidTimeRange
	}
	if filter.Limit <= 0 || filter.Limit > 250 {
		filter.Limit = 250
	}
	return s.repo.List(ctx, filter)
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. There are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service validates and stamps events before appending them.
//
// Audit is internal-only; callers should treat logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.OrganizationID == "" || e.ResourceType == "" || e.ResourceID == "" || e.Action == "" {
		return ErrInvalidEvent
	}
	if len(e.Metadata) > 0 && !json.Valid(e.Metadata) {
		return fmt.Errorf("%w: metadata is not valid JSON", ErrInvalidEvent)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ActorType == "" {
		if e.UserID != "" {
			e.ActorType = ActorHuman
		} else {
			e.ActorType = ActorSystem
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

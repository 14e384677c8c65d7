package usecase

import (
	"context"
	"errors"
	"fmt"

	"care-mediator/internal/domain"
)

// ProfileReadWriter persists per-participant profile documents.
type ProfileReadWriter interface {
	GetProfile(ctx context.Context, participantID string) (domain.Profile, bool, error)
	PutProfile(ctx context.Context, participantID string, profile domain.Profile) error
}

// ProfileService provides lazy-initialized, merge-on-write participant
// profiles. Records are never deleted.
type ProfileService struct {
	store ProfileReadWriter
}

func NewProfileService(store ProfileReadWriter) (*ProfileService, error) {
	if store == nil {
		return nil, errors.New("usecase: profile store must not be nil")
	}
	return &ProfileService{store: store}, nil
}

// GetOrInit returns the stored profile, seeding it with defaults on first
// contact. Initialization is keyed on the absence of the identifying name
// field, not on document existence.
func (s *ProfileService) GetOrInit(ctx context.Context, participantID string, defaults domain.Profile) (domain.Profile, error) {
	p, _, err := s.store.GetProfile(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("usecase: get profile: %w", err)
	}
	if p.Name() != "" {
		return p, nil
	}
	merged := p.Merge(defaults)
	if err := s.store.PutProfile(ctx, participantID, merged); err != nil {
		return nil, fmt.Errorf("usecase: init profile: %w", err)
	}
	return merged, nil
}

// Update merges partial into the stored profile, field-level last-write-wins.
// Fields absent from partial are untouched.
func (s *ProfileService) Update(ctx context.Context, participantID string, partial domain.Profile) error {
	p, _, err := s.store.GetProfile(ctx, participantID)
	if err != nil {
		return fmt.Errorf("usecase: get profile: %w", err)
	}
	if err := s.store.PutProfile(ctx, participantID, p.Merge(partial)); err != nil {
		return fmt.Errorf("usecase: update profile: %w", err)
	}
	return nil
}

package app

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"canopy/api/internal/store"
	"canopy/api/internal/util"
)

type SpaceInput struct {
	Name        string `json:"name" validate:"required,max=120"`
	Slug        string `json:"slug" validate:"omitempty,max=64"`
	Description string `json:"description" validate:"max=2000"`
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(value string) string {
	slug := strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(value), "-"), "-")
	if slug == "" {
		slug = "space"
	}
	if len(slug) > 64 {
		slug = strings.TrimRight(slug[:64], "-")
	}
	return slug
}

func (s *Service) CreateSpace(ctx context.Context, actor Session, in SpaceInput) (store.Space, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.Space{}, validationError("VALIDATION_FAILED", "Space name is required", map[string]string{"name": "required"})
	}
	slug := in.Slug
	if slug == "" {
		slug = name
	}
	space := store.Space{
		ID:          util.NewID(),
		Name:        name,
		Slug:        slugify(slug),
		Description: strings.TrimSpace(in.Description),
		CreatorID:   actor.UserID,
	}
	if err := s.store.InsertSpace(ctx, space); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Space{}, conflict("SPACE_SLUG_TAKEN", "A space with this slug already exists")
		}
		return store.Space{}, err
	}
	s.logger(ctx).WithField("space_id", space.ID).Info("space created")
	return s.store.GetSpace(ctx, space.ID)
}

func (s *Service) ListSpaces(ctx context.Context) ([]store.Space, error) {
	return s.store.ListSpaces(ctx)
}

func (s *Service) GetSpace(ctx context.Context, spaceID string) (store.Space, error) {
	return s.requireSpace(ctx, spaceID)
}

func (s *Service) UpdateSpace(ctx context.Context, spaceID string, in SpaceInput) (store.Space, error) {
	if _, err := s.requireSpace(ctx, spaceID); err != nil {
		return store.Space{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.Space{}, validationError("VALIDATION_FAILED", "Space name is required", map[string]string{"name": "required"})
	}
	if err := s.store.UpdateSpace(ctx, spaceID, name, strings.TrimSpace(in.Description)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Space{}, notFound("SPACE_NOT_FOUND", "Space not found")
		}
		return store.Space{}, err
	}
	return s.store.GetSpace(ctx, spaceID)
}

// DeleteSpace only removes empty spaces. Trashed pages count until they are
// purged.
func (s *Service) DeleteSpace(ctx context.Context, spaceID string) error {
	if _, err := s.requireSpace(ctx, spaceID); err != nil {
		return err
	}
	count, err := s.store.SpacePageCount(ctx, spaceID)
	if err != nil {
		return err
	}
	if count > 0 {
		return domainError(http.StatusConflict, "SPACE_NOT_EMPTY", "Space still contains pages", map[string]int{"pages": count})
	}
	if err := s.store.DeleteSpace(ctx, spaceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("SPACE_NOT_FOUND", "Space not found")
		}
		return err
	}
	s.logger(ctx).WithField("space_id", spaceID).Info("space deleted")
	return nil
}

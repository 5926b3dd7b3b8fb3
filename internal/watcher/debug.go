package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/tesseract-hub/preferences-service/internal/models"
	"github.com/tesseract-hub/preferences-service/internal/repository"
)

// DebugInfo is a read-only snapshot of a user's preference state within an
// optional project
type DebugInfo struct {
	UserID                  string                             `json:"user_id"`
	ProjectID               string                             `json:"project_id,omitempty"`
	ProjectOverridesEnabled bool                               `json:"project_overrides_enabled"`
	EnabledCategories       []models.Category                  `json:"enabled_categories,omitempty"`
	MaxOverrides            *int                               `json:"max_overrides,omitempty"`
	UserPreferenceCount     int                                `json:"user_preference_count"`
	ProjectOverrideCount    int                                `json:"project_override_count"`
	Sources                 map[string]models.ResolutionSource `json:"sources"`
	Watcher                 Stats                              `json:"watcher"`
}

// GetDebugInfo combines enablement state, preference counts and the last
// known resolution source of each key. It never mutates state.
func (w *Watcher) GetDebugInfo(ctx context.Context, userID, projectID string) (*DebugInfo, error) {
	info := &DebugInfo{
		UserID:    userID,
		ProjectID: projectID,
		Sources:   map[string]models.ResolutionSource{},
		Watcher:   w.Stats(),
	}

	if repo := w.config.Repository; repo != nil {
		prefs, err := repo.ListUserPreferences(ctx, userID, true)
		if err != nil {
			return nil, fmt.Errorf("failed to list user preferences: %w", err)
		}
		info.UserPreferenceCount = len(prefs)

		if projectID != "" {
			enabled, err := repo.GetProjectEnablement(ctx, projectID)
			switch {
			case err == nil:
				info.ProjectOverridesEnabled = enabled.Enabled
				info.EnabledCategories = enabled.EnabledCategories
				info.MaxOverrides = enabled.MaxOverrides
			case !errors.Is(err, repository.ErrNotFound):
				return nil, fmt.Errorf("failed to load project enablement: %w", err)
			}

			overrides, err := repo.ListProjectPreferences(ctx, projectID, true)
			if err != nil {
				return nil, fmt.Errorf("failed to list project overrides: %w", err)
			}
			info.ProjectOverrideCount = len(overrides)
		}
	}

	if w.config.Tracker != nil {
		info.Sources = w.config.Tracker.Snapshot(userID, projectID)
	}
	return info, nil
}

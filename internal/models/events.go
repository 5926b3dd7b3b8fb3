package models

import (
	"time"

	"github.com/google/uuid"
)

type ChangeEventType string

const (
	EventPreferenceChanged       ChangeEventType = "preference_changed"
	EventProjectOverridesToggled ChangeEventType = "project_overrides_toggled"
)

// ChangeEvent is produced on every effective write. It is never persisted.
type ChangeEvent struct {
	ID            uuid.UUID       `json:"id"`
	Type          ChangeEventType `json:"type"`
	UserID        string          `json:"userId,omitempty"`
	ProjectID     string          `json:"projectId,omitempty"`
	PreferenceKey string          `json:"preferenceKey,omitempty"`
	OldValue      interface{}     `json:"oldValue,omitempty"`
	NewValue      interface{}     `json:"newValue,omitempty"`
	Enabled       *bool           `json:"enabled,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewPreferenceChangedEvent builds a preference_changed event
func NewPreferenceChangedEvent(userID, projectID, key string, oldValue, newValue interface{}) ChangeEvent {
	return ChangeEvent{
		ID:            uuid.New(),
		Type:          EventPreferenceChanged,
		UserID:        userID,
		ProjectID:     projectID,
		PreferenceKey: key,
		OldValue:      oldValue,
		NewValue:      newValue,
		Timestamp:     time.Now().UTC(),
	}
}

// NewProjectOverridesToggledEvent builds a project_overrides_toggled event
func NewProjectOverridesToggledEvent(projectID string, enabled bool) ChangeEvent {
	return ChangeEvent{
		ID:        uuid.New(),
		Type:      EventProjectOverridesToggled,
		ProjectID: projectID,
		Enabled:   &enabled,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================================
// DIAGNOSTICS
// ==========================================

// ResolutionSource describes which tier produced an effective value
type ResolutionSource struct {
	Tier      Tier      `json:"tier"`
	Detail    string    `json:"detail"`
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId,omitempty"`
	Key       string    `json:"key"`
	At        time.Time `json:"at"`
}

// OverrideStatistics aggregates one project's overrides
type OverrideStatistics struct {
	ProjectID            string         `json:"projectId"`
	Enabled              bool           `json:"enabled"`
	EnabledCategories    []Category     `json:"enabledCategories"`
	MaxOverrides         *int           `json:"maxOverrides,omitempty"`
	TotalOverrides       int            `json:"totalOverrides"`
	ActiveOverrides      int            `json:"activeOverrides"`
	TemporaryOverrides   int            `json:"temporaryOverrides"`
	ExpiredOverrides     int            `json:"expiredOverrides"`
	CategoryDistribution map[string]int `json:"categoryDistribution"`
}

// KeyCount pairs a preference key with how many projects override it
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// OverridePatterns aggregates overrides across all projects
type OverridePatterns struct {
	TotalProjects              int            `json:"totalProjects"`
	ProjectsWithOverrides      int            `json:"projectsWithOverrides"`
	TotalActiveOverrides       int            `json:"totalActiveOverrides"`
	MostOverriddenKeys         []KeyCount     `json:"mostOverriddenKeys"`
	CategoryDistribution       map[string]int `json:"categoryDistribution"`
	TemporaryPercentage        float64        `json:"temporaryPercentage"`
	AverageOverridesPerProject float64        `json:"averageOverridesPerProject"`
}

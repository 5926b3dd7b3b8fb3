package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/tesseract-hub/preferences-service/internal/apperrors"
	"github.com/tesseract-hub/preferences-service/internal/health"
	"github.com/tesseract-hub/preferences-service/internal/models"
	"github.com/tesseract-hub/preferences-service/internal/repository"
	"github.com/tesseract-hub/preferences-service/internal/validation"
	"github.com/tesseract-hub/preferences-service/internal/watcher"
)

const mostOverriddenLimit = 10

// EnableRequest turns project overrides on. An empty Categories list allows
// every category.
type EnableRequest struct {
	ProjectID    string   `json:"project_id"`
	Categories   []string `json:"categories,omitempty"`
	MaxOverrides *int     `json:"max_overrides,omitempty"`
	EnabledBy    string   `json:"enabled_by"`
	Reason       string   `json:"reason,omitempty"`
}

// CreateOverrideRequest creates or replaces a project override
type CreateOverrideRequest struct {
	ProjectID      string      `json:"project_id"`
	Key            string      `json:"preference_key"`
	Value          interface{} `json:"value"`
	Reason         string      `json:"override_reason,omitempty"`
	ApprovedBy     *string     `json:"approved_by,omitempty"`
	Temporary      bool        `json:"temporary"`
	EffectiveUntil *time.Time  `json:"effective_until,omitempty"`
}

// OverrideManager owns the per-project override lifecycle. Every write runs
// persist, invalidate, publish in that order before returning.
type OverrideManager struct {
	repo      repository.PreferenceRepository
	resolver  *Resolver
	watcher   *watcher.Watcher
	validator *validation.Validator
	logger    *logrus.Entry
	now       func() time.Time
}

// NewOverrideManager creates an override manager
func NewOverrideManager(repo repository.PreferenceRepository, resolver *Resolver, w *watcher.Watcher, v *validation.Validator, logger *logrus.Logger) *OverrideManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if v == nil {
		v = validation.New()
	}
	return &OverrideManager{
		repo:      repo,
		resolver:  resolver,
		watcher:   w,
		validator: v,
		logger:    logger.WithField("component", "override_manager"),
		now:       resolver.now,
	}
}

// EnableProjectOverrides enables overrides for a project, replacing any
// previous category list and limit
func (m *OverrideManager) EnableProjectOverrides(ctx context.Context, req EnableRequest) (*models.ProjectPreferenceEnabled, error) {
	if req.ProjectID == "" {
		return nil, apperrors.NewValidationError("project_id", "project_id is required")
	}
	if req.EnabledBy == "" {
		return nil, apperrors.NewValidationError("enabled_by", "enabled_by is required")
	}
	if req.MaxOverrides != nil && *req.MaxOverrides < 0 {
		return nil, apperrors.NewValidationError("max_overrides", "max_overrides must not be negative")
	}

	categories := mapset.NewThreadUnsafeSet[models.Category]()
	for _, name := range req.Categories {
		c, err := models.ParseCategory(name)
		if err != nil {
			names := make([]string, 0, len(models.AllCategories()))
			for _, known := range models.AllCategories() {
				names = append(names, known.String())
			}
			return nil, apperrors.NewValidationError("categories", err.Error(), names...)
		}
		categories.Add(c)
	}
	list := categories.ToSlice()
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })

	enabled := &models.ProjectPreferenceEnabled{
		ProjectID:         req.ProjectID,
		Enabled:           true,
		EnabledCategories: list,
		MaxOverrides:      req.MaxOverrides,
		EnabledBy:         req.EnabledBy,
		Reason:            req.Reason,
	}
	if err := m.repo.UpsertProjectEnablement(ctx, enabled); err != nil {
		health.RecordPreferenceOperation("enable_project_overrides", false)
		return nil, fmt.Errorf("failed to enable project overrides: %w", err)
	}

	m.resolver.InvalidateProject(ctx, req.ProjectID)
	m.watcher.NotifyProjectOverridesToggled(ctx, req.ProjectID, true)
	health.RecordPreferenceOperation("enable_project_overrides", true)

	m.logger.WithFields(logrus.Fields{
		"project_id": req.ProjectID,
		"categories": req.Categories,
		"enabled_by": req.EnabledBy,
	}).Info("Project overrides enabled")
	return enabled, nil
}

// DisableProjectOverrides disables overrides for a project. Existing
// overrides are kept and become dormant. Disabling a project that was never
// enabled is a no-op.
func (m *OverrideManager) DisableProjectOverrides(ctx context.Context, projectID, reason string) error {
	enabled, err := m.repo.GetProjectEnablement(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load project enablement: %w", err)
	}

	enabled.Enabled = false
	if reason != "" {
		enabled.Reason = reason
	}
	if err := m.repo.UpsertProjectEnablement(ctx, enabled); err != nil {
		health.RecordPreferenceOperation("disable_project_overrides", false)
		return fmt.Errorf("failed to disable project overrides: %w", err)
	}

	m.resolver.InvalidateProject(ctx, projectID)
	m.watcher.NotifyProjectOverridesToggled(ctx, projectID, false)
	health.RecordPreferenceOperation("disable_project_overrides", true)

	m.logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"reason":     reason,
	}).Info("Project overrides disabled")
	return nil
}

// CreateOverride validates and stores a project override
func (m *OverrideManager) CreateOverride(ctx context.Context, req CreateOverrideRequest) (*models.ProjectPreference, error) {
	if req.ProjectID == "" {
		return nil, apperrors.NewValidationError("project_id", "project_id is required")
	}
	now := m.now()

	in := validation.OverrideInput{
		ProjectID:      req.ProjectID,
		Key:            req.Key,
		Value:          req.Value,
		ApprovedBy:     req.ApprovedBy,
		Temporary:      req.Temporary,
		EffectiveUntil: req.EffectiveUntil,
		Now:            now,
	}

	var existing *models.ProjectPreference
	if validation.ValidateKey(req.Key) == nil {
		var err error
		if in.Definition, err = optional(m.repo.GetSystemDefault(ctx, req.Key)); err != nil {
			return nil, err
		}
		if in.Enablement, err = optional(m.repo.GetProjectEnablement(ctx, req.ProjectID)); err != nil {
			return nil, err
		}
		if existing, err = optional(m.repo.GetProjectPreference(ctx, req.ProjectID, req.Key)); err != nil {
			return nil, err
		}
		if in.ActiveCount, err = m.repo.CountActiveProjectPreferences(ctx, req.ProjectID, now); err != nil {
			return nil, err
		}
		in.ReplacesActive = existing != nil && existing.InEffect(now)
	}

	if err := m.validator.ValidateOverride(in); err != nil {
		health.RecordPreferenceOperation("create_override", false)
		m.logger.WithError(err).WithFields(logrus.Fields{
			"project_id": req.ProjectID,
			"key":        req.Key,
		}).Debug("Override rejected")
		return nil, err
	}

	value, err := models.EncodeValue(models.NormalizeValue(req.Value))
	if err != nil {
		return nil, apperrors.NewValidationError("value", err.Error())
	}

	var oldValue interface{}
	if in.ReplacesActive {
		oldValue, _ = models.DecodeValue(existing.Value)
	}

	override := &models.ProjectPreference{
		ProjectID:      req.ProjectID,
		PreferenceKey:  req.Key,
		Value:          value,
		Category:       in.Definition.Category,
		OverrideReason: req.Reason,
		ApprovedBy:     req.ApprovedBy,
		Temporary:      req.Temporary,
		EffectiveUntil: req.EffectiveUntil,
		Active:         true,
	}
	if err := m.repo.UpsertProjectPreference(ctx, override); err != nil {
		health.RecordPreferenceOperation("create_override", false)
		return nil, fmt.Errorf("failed to save project override: %w", err)
	}

	m.resolver.InvalidateProjectKey(ctx, req.ProjectID, req.Key)
	newValue, _ := models.DecodeValue(value)
	m.watcher.NotifyPreferenceChange(ctx, "", req.ProjectID, req.Key, oldValue, newValue)
	health.RecordPreferenceOperation("create_override", true)

	m.logger.WithFields(logrus.Fields{
		"project_id": req.ProjectID,
		"key":        req.Key,
		"temporary":  req.Temporary,
	}).Info("Project override saved")
	return override, nil
}

// RemoveOverride deactivates a project override
func (m *OverrideManager) RemoveOverride(ctx context.Context, projectID, key string) error {
	existing, err := m.repo.GetProjectPreference(ctx, projectID, key)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !existing.Active) {
		return apperrors.NewNotFoundError(key, "no active override for project "+projectID)
	}
	if err != nil {
		return fmt.Errorf("failed to load project override: %w", err)
	}

	if err := m.repo.DeactivateProjectPreference(ctx, projectID, key); err != nil {
		health.RecordPreferenceOperation("remove_override", false)
		return fmt.Errorf("failed to remove project override: %w", err)
	}

	m.resolver.InvalidateProjectKey(ctx, projectID, key)
	oldValue, _ := models.DecodeValue(existing.Value)
	m.watcher.NotifyPreferenceChange(ctx, "", projectID, key, oldValue, nil)
	health.RecordPreferenceOperation("remove_override", true)

	m.logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"key":        key,
	}).Info("Project override removed")
	return nil
}

// ExpireTemporaryOverrides deactivates overrides whose effective_until has
// passed, temporary or not, and announces each one. Resolution already ignores them; this keeps
// the store and subscribers in step.
func (m *OverrideManager) ExpireTemporaryOverrides(ctx context.Context) (int, error) {
	overrides, err := m.repo.ListAllProjectPreferences(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("failed to list project overrides: %w", err)
	}

	now := m.now()
	expired := 0
	for i := range overrides {
		o := &overrides[i]
		if !o.Expired(now) {
			continue
		}
		if err := m.repo.DeactivateProjectPreference(ctx, o.ProjectID, o.PreferenceKey); err != nil {
			health.RecordPreferenceOperation("expire_override", false)
			return expired, fmt.Errorf("failed to expire override %s/%s: %w", o.ProjectID, o.PreferenceKey, err)
		}
		m.resolver.InvalidateProjectKey(ctx, o.ProjectID, o.PreferenceKey)
		oldValue, _ := models.DecodeValue(o.Value)
		m.watcher.NotifyPreferenceChange(ctx, "", o.ProjectID, o.PreferenceKey, oldValue, nil)
		health.RecordPreferenceOperation("expire_override", true)
		expired++
	}

	if expired > 0 {
		m.logger.WithField("expired", expired).Info("Temporary overrides expired")
	}
	return expired, nil
}

// GetOverrideStatistics summarises one project's overrides
func (m *OverrideManager) GetOverrideStatistics(ctx context.Context, projectID string) (*models.OverrideStatistics, error) {
	stats := &models.OverrideStatistics{
		ProjectID:            projectID,
		CategoryDistribution: map[string]int{},
	}

	enabled, err := optional(m.repo.GetProjectEnablement(ctx, projectID))
	if err != nil {
		return nil, err
	}
	if enabled != nil {
		stats.Enabled = enabled.Enabled
		stats.EnabledCategories = enabled.EnabledCategories
		stats.MaxOverrides = enabled.MaxOverrides
	}

	overrides, err := m.repo.ListProjectPreferences(ctx, projectID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list project overrides: %w", err)
	}

	now := m.now()
	stats.TotalOverrides = len(overrides)
	for i := range overrides {
		o := &overrides[i]
		if o.Active && o.Expired(now) {
			stats.ExpiredOverrides++
		}
		if !o.InEffect(now) {
			continue
		}
		stats.ActiveOverrides++
		if o.Temporary {
			stats.TemporaryOverrides++
		}
		stats.CategoryDistribution[o.Category.String()]++
	}
	return stats, nil
}

// AnalyzeOverridePatterns aggregates overrides across every project.
// Averages are taken over projects that have at least one override in effect.
func (m *OverrideManager) AnalyzeOverridePatterns(ctx context.Context) (*models.OverridePatterns, error) {
	enablements, err := m.repo.ListProjectEnablements(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list project enablements: %w", err)
	}
	overrides, err := m.repo.ListAllProjectPreferences(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list project overrides: %w", err)
	}

	now := m.now()
	projects := mapset.NewThreadUnsafeSet[string]()
	withOverrides := mapset.NewThreadUnsafeSet[string]()
	for _, e := range enablements {
		projects.Add(e.ProjectID)
	}

	patterns := &models.OverridePatterns{CategoryDistribution: map[string]int{}}
	keyCounts := map[string]int{}
	temporary := 0
	for i := range overrides {
		o := &overrides[i]
		projects.Add(o.ProjectID)
		if !o.InEffect(now) {
			continue
		}
		withOverrides.Add(o.ProjectID)
		patterns.TotalActiveOverrides++
		keyCounts[o.PreferenceKey]++
		patterns.CategoryDistribution[o.Category.String()]++
		if o.Temporary {
			temporary++
		}
	}

	patterns.TotalProjects = projects.Cardinality()
	patterns.ProjectsWithOverrides = withOverrides.Cardinality()
	if patterns.TotalActiveOverrides > 0 {
		patterns.TemporaryPercentage = float64(temporary) / float64(patterns.TotalActiveOverrides) * 100
	}
	if patterns.ProjectsWithOverrides > 0 {
		patterns.AverageOverridesPerProject = float64(patterns.TotalActiveOverrides) / float64(patterns.ProjectsWithOverrides)
	}

	for key, count := range keyCounts {
		patterns.MostOverriddenKeys = append(patterns.MostOverriddenKeys, models.KeyCount{Key: key, Count: count})
	}
	sort.Slice(patterns.MostOverriddenKeys, func(i, j int) bool {
		a, b := patterns.MostOverriddenKeys[i], patterns.MostOverriddenKeys[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Key < b.Key
	})
	if len(patterns.MostOverriddenKeys) > mostOverriddenLimit {
		patterns.MostOverriddenKeys = patterns.MostOverriddenKeys[:mostOverriddenLimit]
	}
	return patterns, nil
}

// optional turns repository.ErrNotFound into a nil record
func optional[T any](record *T, err error) (*T, error) {
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

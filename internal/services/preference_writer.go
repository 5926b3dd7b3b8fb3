package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tesseract-hub/preferences-service/internal/apperrors"
	"github.com/tesseract-hub/preferences-service/internal/health"
	"github.com/tesseract-hub/preferences-service/internal/models"
	"github.com/tesseract-hub/preferences-service/internal/repository"
	"github.com/tesseract-hub/preferences-service/internal/validation"
	"github.com/tesseract-hub/preferences-service/internal/watcher"
)

// SetUserPreferenceRequest writes a user-tier value
type SetUserPreferenceRequest struct {
	UserID string                  `json:"user_id"`
	Key    string                  `json:"preference_key"`
	Value  interface{}             `json:"value"`
	Source models.PreferenceSource `json:"source,omitempty"`
}

// PreferenceWriter handles user preference and system default writes. Like
// the override manager it persists, invalidates, then publishes.
type PreferenceWriter struct {
	repo      repository.PreferenceRepository
	resolver  *Resolver
	watcher   *watcher.Watcher
	validator *validation.Validator
	logger    *logrus.Entry
}

// NewPreferenceWriter creates a preference writer
func NewPreferenceWriter(repo repository.PreferenceRepository, resolver *Resolver, w *watcher.Watcher, v *validation.Validator, logger *logrus.Logger) *PreferenceWriter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if v == nil {
		v = validation.New()
	}
	return &PreferenceWriter{
		repo:      repo,
		resolver:  resolver,
		watcher:   w,
		validator: v,
		logger:    logger.WithField("component", "preference_writer"),
	}
}

// SetUserPreference validates and stores a user preference
func (w *PreferenceWriter) SetUserPreference(ctx context.Context, req SetUserPreferenceRequest) (*models.UserPreference, error) {
	if req.UserID == "" {
		return nil, apperrors.NewValidationError("user_id", "user_id is required")
	}
	if err := validation.ValidateKey(req.Key); err != nil {
		return nil, err
	}
	def, err := optional(w.repo.GetSystemDefault(ctx, req.Key))
	if err != nil {
		return nil, err
	}
	if err := w.validator.ValidateUserPreference(req.Key, def, req.Value); err != nil {
		health.RecordPreferenceOperation("set_user_preference", false)
		return nil, err
	}

	existing, err := optional(w.repo.GetUserPreference(ctx, req.UserID, req.Key))
	if err != nil {
		return nil, err
	}
	var oldValue interface{}
	if existing != nil && existing.Active {
		oldValue, _ = models.DecodeValue(existing.Value)
	}

	value, err := models.EncodeValue(models.NormalizeValue(req.Value))
	if err != nil {
		return nil, apperrors.NewValidationError("value", err.Error())
	}
	source := req.Source
	if source == "" {
		source = models.SourceManual
	}
	pref := &models.UserPreference{
		UserID:        req.UserID,
		PreferenceKey: req.Key,
		Value:         value,
		Category:      def.Category,
		Active:        true,
		Source:        source,
	}
	if err := w.repo.UpsertUserPreference(ctx, pref); err != nil {
		health.RecordPreferenceOperation("set_user_preference", false)
		return nil, fmt.Errorf("failed to save user preference: %w", err)
	}

	w.resolver.InvalidateUserKey(ctx, req.UserID, req.Key)
	newValue, _ := models.DecodeValue(value)
	w.watcher.NotifyPreferenceChange(ctx, req.UserID, "", req.Key, oldValue, newValue)
	health.RecordPreferenceOperation("set_user_preference", true)

	w.logger.WithFields(logrus.Fields{
		"user_id": req.UserID,
		"key":     req.Key,
		"source":  source,
	}).Debug("User preference saved")
	return pref, nil
}

// DeleteUserPreference deactivates a user preference
func (w *PreferenceWriter) DeleteUserPreference(ctx context.Context, userID, key string) error {
	existing, err := w.repo.GetUserPreference(ctx, userID, key)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !existing.Active) {
		return apperrors.NewNotFoundError(key, "no active preference for user "+userID)
	}
	if err != nil {
		return fmt.Errorf("failed to load user preference: %w", err)
	}

	if err := w.repo.DeactivateUserPreference(ctx, userID, key); err != nil {
		health.RecordPreferenceOperation("delete_user_preference", false)
		return fmt.Errorf("failed to delete user preference: %w", err)
	}

	w.resolver.InvalidateUserKey(ctx, userID, key)
	oldValue, _ := models.DecodeValue(existing.Value)
	w.watcher.NotifyPreferenceChange(ctx, userID, "", key, oldValue, nil)
	health.RecordPreferenceOperation("delete_user_preference", true)
	return nil
}

// SetSystemDefault creates or replaces a system default. The default value
// must satisfy the definition's own type and constraints.
func (w *PreferenceWriter) SetSystemDefault(ctx context.Context, def *models.SystemDefault) error {
	if err := validation.ValidateKey(def.PreferenceKey); err != nil {
		return err
	}
	if !def.DataType.Valid() {
		return apperrors.NewValidationError("data_type", fmt.Sprintf("unsupported data type %q", def.DataType))
	}
	if !def.Category.Valid() {
		return apperrors.NewValidationError("category", "unknown category")
	}
	value, err := models.DecodeValue(def.DefaultValue)
	if err != nil {
		return apperrors.NewValidationError("default_value", err.Error())
	}
	if value == nil {
		return apperrors.NewValidationError("default_value", "default_value is required")
	}
	if err := w.validator.ValidateValue(def, value); err != nil {
		return err
	}

	previous, err := optional(w.repo.GetSystemDefault(ctx, def.PreferenceKey))
	if err != nil {
		return err
	}
	if err := w.repo.UpsertSystemDefault(ctx, def); err != nil {
		health.RecordPreferenceOperation("set_system_default", false)
		return fmt.Errorf("failed to save system default: %w", err)
	}

	w.resolver.InvalidateKey(ctx, def.PreferenceKey)
	var oldValue interface{}
	if previous != nil {
		oldValue, _ = models.DecodeValue(previous.DefaultValue)
	}
	w.watcher.NotifyPreferenceChange(ctx, "", "", def.PreferenceKey, oldValue, value)
	health.RecordPreferenceOperation("set_system_default", true)
	return nil
}

// SeedSystemDefaults upserts every definition and stops at the first failure
func (w *PreferenceWriter) SeedSystemDefaults(ctx context.Context, defs []models.SystemDefault) (int, error) {
	for i := range defs {
		if err := w.SetSystemDefault(ctx, &defs[i]); err != nil {
			return i, fmt.Errorf("seed %s: %w", defs[i].PreferenceKey, err)
		}
	}
	w.logger.WithField("count", len(defs)).Info("System defaults seeded")
	return len(defs), nil
}

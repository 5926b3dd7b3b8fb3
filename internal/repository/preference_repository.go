package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tesseract-hub/preferences-service/internal/models"
)

var ErrNotFound = errors.New("record not found")

// PreferenceRepository is the durable store for the three preference tiers.
// Every single-record write is transactional on its own.
type PreferenceRepository interface {
	// System defaults
	GetSystemDefault(ctx context.Context, key string) (*models.SystemDefault, error)
	ListSystemDefaults(ctx context.Context, includeDeprecated bool) ([]models.SystemDefault, error)
	UpsertSystemDefault(ctx context.Context, def *models.SystemDefault) error

	// User preferences
	GetUserPreference(ctx context.Context, userID, key string) (*models.UserPreference, error)
	ListUserPreferences(ctx context.Context, userID string, activeOnly bool) ([]models.UserPreference, error)
	UpsertUserPreference(ctx context.Context, pref *models.UserPreference) error
	DeactivateUserPreference(ctx context.Context, userID, key string) error

	// Project overrides
	GetProjectEnablement(ctx context.Context, projectID string) (*models.ProjectPreferenceEnabled, error)
	ListProjectEnablements(ctx context.Context) ([]models.ProjectPreferenceEnabled, error)
	UpsertProjectEnablement(ctx context.Context, enabled *models.ProjectPreferenceEnabled) error
	GetProjectPreference(ctx context.Context, projectID, key string) (*models.ProjectPreference, error)
	ListProjectPreferences(ctx context.Context, projectID string, activeOnly bool) ([]models.ProjectPreference, error)
	ListAllProjectPreferences(ctx context.Context, activeOnly bool) ([]models.ProjectPreference, error)
	CountActiveProjectPreferences(ctx context.Context, projectID string, now time.Time) (int, error)
	UpsertProjectPreference(ctx context.Context, pref *models.ProjectPreference) error
	DeactivateProjectPreference(ctx context.Context, projectID, key string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewPreferenceRepository creates a GORM backed preference repository
func NewPreferenceRepository(db *gorm.DB) PreferenceRepository {
	return &gormRepository{db: db}
}

// AutoMigrate creates or updates the preference tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.SystemDefault{},
		&models.UserPreference{},
		&models.ProjectPreferenceEnabled{},
		&models.ProjectPreference{},
	)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ==========================================
// SYSTEM DEFAULTS
// ==========================================

func (r *gormRepository) GetSystemDefault(ctx context.Context, key string) (*models.SystemDefault, error) {
	var def models.SystemDefault
	if err := r.db.WithContext(ctx).First(&def, "preference_key = ?", key).Error; err != nil {
		return nil, notFound(err)
	}
	return &def, nil
}

func (r *gormRepository) ListSystemDefaults(ctx context.Context, includeDeprecated bool) ([]models.SystemDefault, error) {
	var defs []models.SystemDefault
	query := r.db.WithContext(ctx).Model(&models.SystemDefault{})
	if !includeDeprecated {
		query = query.Where("deprecated = ?", false)
	}
	err := query.Order("preference_key ASC").Find(&defs).Error
	return defs, err
}

func (r *gormRepository) UpsertSystemDefault(ctx context.Context, def *models.SystemDefault) error {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "preference_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"default_value", "data_type", "category", "constraints", "access_level",
			"sensitive", "deprecated", "replacement_key", "description", "updated_at",
		}),
	}).Create(def).Error
}

// ==========================================
// USER PREFERENCES
// ==========================================

func (r *gormRepository) GetUserPreference(ctx context.Context, userID, key string) (*models.UserPreference, error) {
	var pref models.UserPreference
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND preference_key = ?", userID, key).
		First(&pref).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &pref, nil
}

func (r *gormRepository) ListUserPreferences(ctx context.Context, userID string, activeOnly bool) ([]models.UserPreference, error) {
	var prefs []models.UserPreference
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	err := query.Order("preference_key ASC").Find(&prefs).Error
	return prefs, err
}

func (r *gormRepository) UpsertUserPreference(ctx context.Context, pref *models.UserPreference) error {
	if pref.ID == uuid.Nil {
		pref.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "preference_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "category", "active", "source", "updated_at"}),
	}).Create(pref).Error
}

func (r *gormRepository) DeactivateUserPreference(ctx context.Context, userID, key string) error {
	result := r.db.WithContext(ctx).Model(&models.UserPreference{}).
		Where("user_id = ? AND preference_key = ?", userID, key).
		Updates(map[string]interface{}{"active": false, "updated_at": time.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ==========================================
// PROJECT OVERRIDES
// ==========================================

func (r *gormRepository) GetProjectEnablement(ctx context.Context, projectID string) (*models.ProjectPreferenceEnabled, error) {
	var enabled models.ProjectPreferenceEnabled
	if err := r.db.WithContext(ctx).First(&enabled, "project_id = ?", projectID).Error; err != nil {
		return nil, notFound(err)
	}
	return &enabled, nil
}

func (r *gormRepository) ListProjectEnablements(ctx context.Context) ([]models.ProjectPreferenceEnabled, error) {
	var rows []models.ProjectPreferenceEnabled
	err := r.db.WithContext(ctx).Order("project_id ASC").Find(&rows).Error
	return rows, err
}

func (r *gormRepository) UpsertProjectEnablement(ctx context.Context, enabled *models.ProjectPreferenceEnabled) error {
	if enabled.ID == uuid.Nil {
		enabled.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled", "enabled_categories", "max_overrides", "enabled_by", "reason", "updated_at",
		}),
	}).Create(enabled).Error
}

func (r *gormRepository) GetProjectPreference(ctx context.Context, projectID, key string) (*models.ProjectPreference, error) {
	var pref models.ProjectPreference
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND preference_key = ?", projectID, key).
		First(&pref).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &pref, nil
}

func (r *gormRepository) ListProjectPreferences(ctx context.Context, projectID string, activeOnly bool) ([]models.ProjectPreference, error) {
	var prefs []models.ProjectPreference
	query := r.db.WithContext(ctx).Where("project_id = ?", projectID)
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	err := query.Order("preference_key ASC").Find(&prefs).Error
	return prefs, err
}

func (r *gormRepository) ListAllProjectPreferences(ctx context.Context, activeOnly bool) ([]models.ProjectPreference, error) {
	var prefs []models.ProjectPreference
	query := r.db.WithContext(ctx).Model(&models.ProjectPreference{})
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	err := query.Order("project_id ASC, preference_key ASC").Find(&prefs).Error
	return prefs, err
}

func (r *gormRepository) CountActiveProjectPreferences(ctx context.Context, projectID string, now time.Time) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ProjectPreference{}).
		Where("project_id = ? AND active = ?", projectID, true).
		Where("effective_until IS NULL OR effective_until > ?", now).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count overrides: %w", err)
	}
	return int(count), nil
}

func (r *gormRepository) UpsertProjectPreference(ctx context.Context, pref *models.ProjectPreference) error {
	if pref.ID == uuid.Nil {
		pref.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "preference_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"value", "category", "override_reason", "approved_by", "temporary",
			"effective_until", "active", "updated_at",
		}),
	}).Create(pref).Error
}

func (r *gormRepository) DeactivateProjectPreference(ctx context.Context, projectID, key string) error {
	result := r.db.WithContext(ctx).Model(&models.ProjectPreference{}).
		Where("project_id = ? AND preference_key = ? AND active = ?", projectID, key, true).
		Updates(map[string]interface{}{"active": false, "updated_at": time.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

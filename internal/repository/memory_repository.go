package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tesseract-hub/preferences-service/internal/models"
)

// MemoryRepository keeps all tiers in process memory. It backs local
// development runs without Postgres and the service tests.
type MemoryRepository struct {
	mu          sync.RWMutex
	defaults    map[string]models.SystemDefault
	users       map[string]models.UserPreference // userID + "|" + key
	enablements map[string]models.ProjectPreferenceEnabled
	projects    map[string]models.ProjectPreference // projectID + "|" + key
	now         func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		defaults:    make(map[string]models.SystemDefault),
		users:       make(map[string]models.UserPreference),
		enablements: make(map[string]models.ProjectPreferenceEnabled),
		projects:    make(map[string]models.ProjectPreference),
		now:         time.Now,
	}
}

// WithClock replaces the timestamp source used for CreatedAt/UpdatedAt
func (r *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
	return r
}

func pairKey(a, b string) string {
	return a + "|" + b
}

func (r *MemoryRepository) GetSystemDefault(_ context.Context, key string) (*models.SystemDefault, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defaults[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &def, nil
}

func (r *MemoryRepository) ListSystemDefaults(_ context.Context, includeDeprecated bool) ([]models.SystemDefault, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.SystemDefault, 0, len(r.defaults))
	for _, def := range r.defaults {
		if def.Deprecated && !includeDeprecated {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PreferenceKey < out[j].PreferenceKey })
	return out, nil
}

func (r *MemoryRepository) UpsertSystemDefault(_ context.Context, def *models.SystemDefault) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if existing, ok := r.defaults[def.PreferenceKey]; ok {
		def.ID = existing.ID
		def.CreatedAt = existing.CreatedAt
	} else {
		if def.ID == uuid.Nil {
			def.ID = uuid.New()
		}
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	r.defaults[def.PreferenceKey] = *def
	return nil
}

func (r *MemoryRepository) GetUserPreference(_ context.Context, userID, key string) (*models.UserPreference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pref, ok := r.users[pairKey(userID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return &pref, nil
}

func (r *MemoryRepository) ListUserPreferences(_ context.Context, userID string, activeOnly bool) ([]models.UserPreference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.UserPreference
	for _, pref := range r.users {
		if pref.UserID != userID || (activeOnly && !pref.Active) {
			continue
		}
		out = append(out, pref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PreferenceKey < out[j].PreferenceKey })
	return out, nil
}

func (r *MemoryRepository) UpsertUserPreference(_ context.Context, pref *models.UserPreference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := pairKey(pref.UserID, pref.PreferenceKey)
	now := r.now()
	if existing, ok := r.users[k]; ok {
		pref.ID = existing.ID
		pref.CreatedAt = existing.CreatedAt
	} else {
		if pref.ID == uuid.Nil {
			pref.ID = uuid.New()
		}
		pref.CreatedAt = now
	}
	pref.UpdatedAt = now
	r.users[k] = *pref
	return nil
}

func (r *MemoryRepository) DeactivateUserPreference(_ context.Context, userID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := pairKey(userID, key)
	pref, ok := r.users[k]
	if !ok {
		return ErrNotFound
	}
	pref.Active = false
	pref.UpdatedAt = r.now()
	r.users[k] = pref
	return nil
}

func (r *MemoryRepository) GetProjectEnablement(_ context.Context, projectID string) (*models.ProjectPreferenceEnabled, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enabled, ok := r.enablements[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	enabled.EnabledCategories = append(enabled.EnabledCategories[:0:0], enabled.EnabledCategories...)
	return &enabled, nil
}

func (r *MemoryRepository) ListProjectEnablements(_ context.Context) ([]models.ProjectPreferenceEnabled, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProjectPreferenceEnabled, 0, len(r.enablements))
	for _, enabled := range r.enablements {
		out = append(out, enabled)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func (r *MemoryRepository) UpsertProjectEnablement(_ context.Context, enabled *models.ProjectPreferenceEnabled) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if existing, ok := r.enablements[enabled.ProjectID]; ok {
		enabled.ID = existing.ID
		enabled.CreatedAt = existing.CreatedAt
	} else {
		if enabled.ID == uuid.Nil {
			enabled.ID = uuid.New()
		}
		enabled.CreatedAt = now
	}
	enabled.UpdatedAt = now
	stored := *enabled
	stored.EnabledCategories = append(enabled.EnabledCategories[:0:0], enabled.EnabledCategories...)
	r.enablements[enabled.ProjectID] = stored
	return nil
}

func (r *MemoryRepository) GetProjectPreference(_ context.Context, projectID, key string) (*models.ProjectPreference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pref, ok := r.projects[pairKey(projectID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return &pref, nil
}

func (r *MemoryRepository) ListProjectPreferences(_ context.Context, projectID string, activeOnly bool) ([]models.ProjectPreference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.ProjectPreference
	for _, pref := range r.projects {
		if pref.ProjectID != projectID || (activeOnly && !pref.Active) {
			continue
		}
		out = append(out, pref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PreferenceKey < out[j].PreferenceKey })
	return out, nil
}

func (r *MemoryRepository) ListAllProjectPreferences(_ context.Context, activeOnly bool) ([]models.ProjectPreference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.ProjectPreference
	for _, pref := range r.projects {
		if activeOnly && !pref.Active {
			continue
		}
		out = append(out, pref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].PreferenceKey < out[j].PreferenceKey
	})
	return out, nil
}

func (r *MemoryRepository) CountActiveProjectPreferences(_ context.Context, projectID string, now time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, pref := range r.projects {
		if pref.ProjectID == projectID && pref.InEffect(now) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) UpsertProjectPreference(_ context.Context, pref *models.ProjectPreference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := pairKey(pref.ProjectID, pref.PreferenceKey)
	now := r.now()
	if existing, ok := r.projects[k]; ok {
		pref.ID = existing.ID
		pref.CreatedAt = existing.CreatedAt
	} else {
		if pref.ID == uuid.Nil {
			pref.ID = uuid.New()
		}
		pref.CreatedAt = now
	}
	pref.UpdatedAt = now
	r.projects[k] = *pref
	return nil
}

func (r *MemoryRepository) DeactivateProjectPreference(_ context.Context, projectID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := pairKey(projectID, key)
	pref, ok := r.projects[k]
	if !ok || !pref.Active {
		return ErrNotFound
	}
	pref.Active = false
	pref.UpdatedAt = r.now()
	r.projects[k] = pref
	return nil
}

var _ PreferenceRepository = (*MemoryRepository)(nil)

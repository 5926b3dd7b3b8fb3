package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tesseract-hub/preferences-service/internal/apperrors"
	"github.com/tesseract-hub/preferences-service/internal/cache"
	"github.com/tesseract-hub/preferences-service/internal/health"
	"github.com/tesseract-hub/preferences-service/internal/models"
	"github.com/tesseract-hub/preferences-service/internal/repository"
	"github.com/tesseract-hub/preferences-service/internal/tracker"
)

// PreferencesTable is the cache table holding resolved values
const PreferencesTable = "preferences"

// AllKeys is the InvalidateCache key selecting every key of a user
const AllKeys = "all"

const defaultBatchParallel = 8

// CacheKey builds the cache key for a resolution: user:key:project|global
func CacheKey(userID, key, projectID string) string {
	if projectID == "" {
		projectID = models.GlobalScope
	}
	return userID + ":" + key + ":" + projectID
}

// ResolverConfig wires the resolver's collaborators
type ResolverConfig struct {
	Repository    repository.PreferenceRepository
	Cache         *cache.Cache
	Tracker       *tracker.Tracker
	Logger        *logrus.Logger
	TTL           time.Duration
	BatchParallel int
	Clock         func() time.Time
}

// Resolver computes effective preference values from the project, user and
// system tiers and caches the results
type Resolver struct {
	repo          repository.PreferenceRepository
	cache         *cache.Cache
	tracker       *tracker.Tracker
	logger        *logrus.Entry
	ttl           time.Duration
	batchParallel int
	now           func() time.Time
	group         singleflight.Group
}

// NewResolver creates a resolver
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = tracker.New(tracker.DefaultCapacity)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.BatchParallel <= 0 {
		cfg.BatchParallel = defaultBatchParallel
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Resolver{
		repo:          cfg.Repository,
		cache:         cfg.Cache,
		tracker:       cfg.Tracker,
		logger:        cfg.Logger.WithField("component", "resolver"),
		ttl:           cfg.TTL,
		batchParallel: cfg.BatchParallel,
		now:           cfg.Clock,
	}
}

// resolution is the outcome of one store lookup
type resolution struct {
	value  interface{}
	tier   models.Tier
	detail string
	stamp  time.Time
	ttl    time.Duration
}

// Resolve returns the effective value of key for a user, optionally within
// a project. It returns a NotFoundError when no tier supplies a value.
func (r *Resolver) Resolve(ctx context.Context, userID, key, projectID string) (interface{}, error) {
	start := time.Now()
	ck := CacheKey(userID, key, projectID)

	if value, ok := r.cache.Get(ctx, PreferencesTable, ck); ok {
		tier := "unknown"
		if src, found := r.tracker.Last(userID, key, projectID); found {
			tier = string(src.Tier)
		}
		health.RecordResolution(tier, true, time.Since(start))
		return models.CloneValue(value), nil
	}

	result, err, _ := r.group.Do(ck, func() (interface{}, error) {
		epoch := r.cache.Epoch(PreferencesTable)
		res, err := r.compute(ctx, userID, key, projectID)
		if err != nil {
			return nil, err
		}
		r.cache.PutIfEpoch(ctx, PreferencesTable, ck, res.value, res.ttl, res.stamp, epoch)
		r.tracker.RecordResolution(userID, key, projectID, res.tier, res.detail)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	res := result.(*resolution)
	health.RecordResolution(string(res.tier), false, time.Since(start))
	return models.CloneValue(res.value), nil
}

// compute walks the tiers in precedence order. It touches neither the cache
// nor the tracker.
func (r *Resolver) compute(ctx context.Context, userID, key, projectID string) (*resolution, error) {
	now := r.now()

	def, err := r.repo.GetSystemDefault(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewNotFoundError(key, "no system default defined")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load system default %s: %w", key, err)
	}
	// A deprecated key resolves nowhere, whatever the lower tiers hold
	if def.Deprecated {
		msg := "system default is deprecated"
		if def.ReplacementKey != nil {
			msg += ", use " + *def.ReplacementKey
		}
		return nil, apperrors.NewNotFoundError(key, msg)
	}
	if len(def.DefaultValue) == 0 {
		return nil, fmt.Errorf("system default %s has no value", key)
	}

	if projectID != "" {
		res, err := r.projectTier(ctx, def, projectID, key, now)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	pref, err := r.repo.GetUserPreference(ctx, userID, key)
	switch {
	case err == nil && pref.Active:
		value, err := models.DecodeValue(pref.Value)
		if err != nil {
			return nil, err
		}
		return &resolution{value: value, tier: models.TierUser, detail: "user preference", stamp: pref.UpdatedAt, ttl: r.ttl}, nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("failed to load user preference %s: %w", key, err)
	}

	value, err := models.DecodeValue(def.DefaultValue)
	if err != nil {
		return nil, err
	}
	return &resolution{value: value, tier: models.TierSystem, detail: "system default", stamp: def.UpdatedAt, ttl: r.ttl}, nil
}

// projectTier returns the project override when one is in effect, or nil
func (r *Resolver) projectTier(ctx context.Context, def *models.SystemDefault, projectID, key string, now time.Time) (*resolution, error) {
	enabled, err := r.repo.GetProjectEnablement(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project enablement %s: %w", projectID, err)
	}
	if !enabled.Enabled || !enabled.AllowsCategory(def.Category) {
		return nil, nil
	}

	override, err := r.repo.GetProjectPreference(ctx, projectID, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project override %s: %w", key, err)
	}
	if !override.InEffect(now) {
		return nil, nil
	}

	value, err := models.DecodeValue(override.Value)
	if err != nil {
		return nil, err
	}
	res := &resolution{
		value:  value,
		tier:   models.TierProject,
		detail: "project override (" + projectID + ")",
		stamp:  override.UpdatedAt,
		ttl:    r.ttl,
	}
	// A temporary override must not outlive its window in the cache
	if override.EffectiveUntil != nil {
		remaining := override.EffectiveUntil.Sub(now)
		if remaining < res.ttl {
			res.ttl = remaining
		}
	}
	return res, nil
}

// ResolveBatch resolves keys in parallel. Keys without a value in any tier
// are omitted; any other failure aborts the batch.
func (r *Resolver) ResolveBatch(ctx context.Context, userID string, keys []string, projectID string) (map[string]interface{}, error) {
	var (
		mu  sync.Mutex
		out = make(map[string]interface{}, len(keys))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.batchParallel)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			value, err := r.Resolve(gctx, userID, key, projectID)
			if err != nil {
				if _, notFound := apperrors.IsNotFoundError(err); notFound {
					return nil
				}
				return fmt.Errorf("resolve %s: %w", key, err)
			}
			mu.Lock()
			out[key] = value
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveAll resolves every non-deprecated system default key
func (r *Resolver) ResolveAll(ctx context.Context, userID, projectID string) (map[string]interface{}, error) {
	defs, err := r.repo.ListSystemDefaults(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list system defaults: %w", err)
	}
	keys := make([]string, len(defs))
	for i, def := range defs {
		keys[i] = def.PreferenceKey
	}
	return r.ResolveBatch(ctx, userID, keys, projectID)
}

// GetPreferenceSource reports which tier supplies key. It uses the last
// recorded resolution and otherwise computes the answer from the store
// without caching or recording it.
func (r *Resolver) GetPreferenceSource(ctx context.Context, userID, key, projectID string) (models.ResolutionSource, error) {
	if src, ok := r.tracker.Last(userID, key, projectID); ok {
		return src, nil
	}
	res, err := r.compute(ctx, userID, key, projectID)
	if err != nil {
		return models.ResolutionSource{}, err
	}
	return models.ResolutionSource{
		Tier:      res.tier,
		Detail:    res.detail,
		UserID:    userID,
		ProjectID: projectID,
		Key:       key,
		At:        r.now().UTC(),
	}, nil
}

// InvalidateCache drops cached resolutions for a user. key may be AllKeys;
// an empty projectID selects every scope.
func (r *Resolver) InvalidateCache(ctx context.Context, userID, key, projectID string) int {
	all := key == "" || key == AllKeys
	var removed int
	switch {
	case all && projectID == "":
		removed = r.cache.InvalidatePrefix(ctx, PreferencesTable, userID+":")
	case all:
		prefix, suffix := userID+":", ":"+projectID
		removed = r.cache.InvalidateWhere(ctx, PreferencesTable, "*", func(k string) bool {
			return strings.HasPrefix(k, prefix) && strings.HasSuffix(k, suffix)
		})
	case projectID == "":
		removed = r.InvalidateUserKey(ctx, userID, key)
	default:
		if r.cache.Invalidate(ctx, PreferencesTable, CacheKey(userID, key, projectID)) {
			removed = 1
		}
	}
	r.logger.WithFields(logrus.Fields{
		"user_id":    userID,
		"key":        key,
		"project_id": projectID,
		"removed":    removed,
	}).Debug("Invalidated cached preferences")
	return removed
}

// InvalidateUserKey drops key for a user in every scope
func (r *Resolver) InvalidateUserKey(ctx context.Context, userID, key string) int {
	return r.cache.InvalidatePrefix(ctx, PreferencesTable, userID+":"+key+":")
}

// InvalidateProjectKey drops key within a project for every user
func (r *Resolver) InvalidateProjectKey(ctx context.Context, projectID, key string) int {
	return r.cache.InvalidateSuffix(ctx, PreferencesTable, ":"+key+":"+projectID)
}

// InvalidateKey drops key for every user in every scope
func (r *Resolver) InvalidateKey(ctx context.Context, key string) int {
	infix := ":" + key + ":"
	return r.cache.InvalidateWhere(ctx, PreferencesTable, "*"+infix+"*", func(k string) bool {
		return strings.Contains(k, infix)
	})
}

// InvalidateProject drops every cached resolution within a project
func (r *Resolver) InvalidateProject(ctx context.Context, projectID string) int {
	return r.cache.InvalidateSuffix(ctx, PreferencesTable, ":"+projectID)
}

// WarmCache preloads resolutions for the given specs. Keys without a value
// are skipped.
func (r *Resolver) WarmCache(ctx context.Context, specs []cache.WarmSpec) (int, error) {
	loader := func(ctx context.Context, spec cache.WarmSpec) ([]cache.WarmEntry, error) {
		entries := make([]cache.WarmEntry, 0, len(spec.Keys))
		for _, key := range spec.Keys {
			res, err := r.compute(ctx, spec.UserID, key, spec.ProjectID)
			if err != nil {
				if _, notFound := apperrors.IsNotFoundError(err); notFound {
					continue
				}
				return nil, err
			}
			r.tracker.RecordResolution(spec.UserID, key, spec.ProjectID, res.tier, res.detail)
			entries = append(entries, cache.WarmEntry{
				Key:   CacheKey(spec.UserID, key, spec.ProjectID),
				Value: res.value,
				Stamp: res.stamp,
				TTL:   res.ttl,
			})
		}
		return entries, nil
	}
	return r.cache.WarmCache(ctx, PreferencesTable, specs, loader)
}

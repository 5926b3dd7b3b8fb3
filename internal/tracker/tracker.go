package tracker

import (
	"sync"
	"time"

	"github.com/tesseract-hub/preferences-service/internal/models"
)

// DefaultCapacity is the ring size used when none is configured
const DefaultCapacity = 1024

type record struct {
	seq    uint64
	source models.ResolutionSource
}

// Tracker remembers which tier satisfied recent resolutions. It keeps a
// bounded ring of records and an index of the latest record per cache key;
// index entries are dropped when the ring overwrites the record they point to.
type Tracker struct {
	mu     sync.RWMutex
	ring   []record
	next   int
	filled bool
	seq    uint64
	latest map[string]uint64 // cache key -> seq
	now    func() time.Time
}

// New creates a tracker holding up to capacity records
func New(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{
		ring:   make([]record, capacity),
		latest: make(map[string]uint64),
		now:    time.Now,
	}
}

func indexKey(userID, key, projectID string) string {
	if projectID == "" {
		projectID = models.GlobalScope
	}
	return userID + ":" + key + ":" + projectID
}

// RecordResolution stores the tier that produced the value for (user, key, project)
func (t *Tracker) RecordResolution(userID, key, projectID string, tier models.Tier, detail string) {
	src := models.ResolutionSource{
		Tier:      tier,
		Detail:    detail,
		UserID:    userID,
		ProjectID: projectID,
		Key:       key,
		At:        t.now().UTC(),
	}
	ik := indexKey(userID, key, projectID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.filled {
		old := t.ring[t.next]
		oldKey := indexKey(old.source.UserID, old.source.Key, old.source.ProjectID)
		if t.latest[oldKey] == old.seq {
			delete(t.latest, oldKey)
		}
	}

	t.seq++
	t.ring[t.next] = record{seq: t.seq, source: src}
	t.latest[ik] = t.seq
	t.next++
	if t.next == len(t.ring) {
		t.next = 0
		t.filled = true
	}
}

// slot returns the ring position of seq; the caller holds t.mu
func (t *Tracker) slot(seq uint64) int {
	return int((seq - 1) % uint64(len(t.ring)))
}

// Last returns the most recent resolution source for (user, key, project)
func (t *Tracker) Last(userID, key, projectID string) (models.ResolutionSource, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seq, ok := t.latest[indexKey(userID, key, projectID)]
	if !ok {
		return models.ResolutionSource{}, false
	}
	return t.ring[t.slot(seq)].source, true
}

// History returns up to limit records, newest first. A limit <= 0 returns all.
func (t *Tracker) History(limit int) []models.ResolutionSource {
	t.mu.RLock()
	defer t.mu.RUnlock()

	size := t.next
	if t.filled {
		size = len(t.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]models.ResolutionSource, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (t.next - i + len(t.ring)) % len(t.ring)
		out = append(out, t.ring[idx].source)
	}
	return out
}

// Snapshot returns the latest source of every tracked key for a user in one
// scope. An empty projectID selects global resolutions only.
func (t *Tracker) Snapshot(userID, projectID string) map[string]models.ResolutionSource {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]models.ResolutionSource)
	for _, seq := range t.latest {
		src := t.ring[t.slot(seq)].source
		if src.UserID != userID {
			continue
		}
		if src.ProjectID != projectID {
			continue
		}
		out[src.Key] = src
	}
	return out
}

// Len returns the number of records currently held
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.filled {
		return len(t.ring)
	}
	return t.next
}

// Capacity returns the ring size
func (t *Tracker) Capacity() int {
	return len(t.ring)
}

package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tesseract-hub/preferences-service/internal/models"
	"github.com/tesseract-hub/preferences-service/internal/repository"
	"github.com/tesseract-hub/preferences-service/internal/tracker"
)

// TopicAll receives every event
const TopicAll = "all"

const (
	defaultBufferSize  = 64
	defaultSinkTimeout = 5 * time.Second
)

func UserTopic(userID string) string       { return "user:" + userID }
func ProjectTopic(projectID string) string { return "project:" + projectID }
func KeyTopic(key string) string           { return "key:" + key }

// Callback runs synchronously for every event. Errors and panics are logged.
type Callback func(ctx context.Context, event models.ChangeEvent) error

// Sink forwards events outside the process
type Sink interface {
	Publish(ctx context.Context, event models.ChangeEvent) error
}

// Config holds watcher configuration
type Config struct {
	BufferSize  int
	SinkTimeout time.Duration
	Logger      *logrus.Logger
	// Repository and Tracker feed GetDebugInfo; both are optional.
	Repository repository.PreferenceRepository
	Tracker    *tracker.Tracker
}

// Watcher multicasts change events to topic subscribers, registered
// callbacks and external sinks. Publishing never waits on subscribers, and
// every event reaches each open subscription in publish order.
type Watcher struct {
	mu        sync.RWMutex
	topics    map[string]map[uint64]*Subscription
	callbacks map[string]Callback
	sinks     []Sink
	nextID    uint64

	config Config
	logger *logrus.Entry
	sinkWG sync.WaitGroup

	published        atomic.Int64
	callbackFailures atomic.Int64
	sinkFailures     atomic.Int64
}

// New creates a watcher
func New(cfg Config) *Watcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Watcher{
		topics:    make(map[string]map[uint64]*Subscription),
		callbacks: make(map[string]Callback),
		config:    cfg,
		logger:    cfg.Logger.WithField("component", "watcher"),
	}
}

// Subscription receives events for one or more topics. Events queue without
// bound until the owner drains Events; Close ends delivery and closes the
// channel once the forwarding goroutine exits.
type Subscription struct {
	id      uint64
	topics  []string
	ch      chan models.ChangeEvent
	watcher *Watcher

	mu     sync.Mutex
	queue  []models.ChangeEvent
	wake   chan struct{}
	done   chan struct{}
	closed bool
	once   sync.Once
}

func newSubscription(w *Watcher, id uint64, topics []string) *Subscription {
	sub := &Subscription{
		id:      id,
		topics:  topics,
		ch:      make(chan models.ChangeEvent, w.config.BufferSize),
		watcher: w,
		queue:   make([]models.ChangeEvent, 0, w.config.BufferSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go sub.forward()
	return sub
}

// Events returns the delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan models.ChangeEvent { return s.ch }

// Topics returns the subscribed topics
func (s *Subscription) Topics() []string { return append([]string(nil), s.topics...) }

// Pending returns how many events are queued but not yet handed to Events
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// enqueue never blocks
func (s *Subscription) enqueue(event models.ChangeEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) forward() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		event := s.queue[0]
		s.queue[0] = models.ChangeEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- event:
		case <-s.done:
			return
		}
	}
}

// Close unsubscribes and stops delivery. Queued events are discarded.
func (s *Subscription) Close() {
	s.once.Do(func() {
		w := s.watcher
		w.mu.Lock()
		for _, topic := range s.topics {
			if subs, ok := w.topics[topic]; ok {
				delete(subs, s.id)
				if len(subs) == 0 {
					delete(w.topics, topic)
				}
			}
		}
		w.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

// Subscribe registers a subscription for the given topics
func (w *Watcher) Subscribe(topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	sub := newSubscription(w, w.nextID, topics)
	for _, topic := range topics {
		subs, ok := w.topics[topic]
		if !ok {
			subs = make(map[uint64]*Subscription)
			w.topics[topic] = subs
		}
		subs[sub.id] = sub
	}
	return sub, nil
}

func (w *Watcher) SubscribeUser(userID string) (*Subscription, error) {
	return w.Subscribe(UserTopic(userID))
}

func (w *Watcher) SubscribeProject(projectID string) (*Subscription, error) {
	return w.Subscribe(ProjectTopic(projectID))
}

func (w *Watcher) SubscribeKey(key string) (*Subscription, error) {
	return w.Subscribe(KeyTopic(key))
}

func (w *Watcher) SubscribeAll() (*Subscription, error) {
	return w.Subscribe(TopicAll)
}

// RegisterCallback adds or replaces a named callback
func (w *Watcher) RegisterCallback(name string, fn Callback) {
	w.mu.Lock()
	w.callbacks[name] = fn
	w.mu.Unlock()
}

// UnregisterCallback removes a named callback. It reports whether it existed.
func (w *Watcher) UnregisterCallback(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.callbacks[name]
	delete(w.callbacks, name)
	return ok
}

// AddSink registers an external sink
func (w *Watcher) AddSink(sink Sink) {
	w.mu.Lock()
	w.sinks = append(w.sinks, sink)
	w.mu.Unlock()
}

// NotifyPreferenceChange publishes a preference_changed event to the user,
// project and key topics that apply, and to TopicAll
func (w *Watcher) NotifyPreferenceChange(ctx context.Context, userID, projectID, key string, oldValue, newValue interface{}) models.ChangeEvent {
	event := models.NewPreferenceChangedEvent(userID, projectID, key, oldValue, newValue)
	topics := []string{TopicAll}
	if userID != "" {
		topics = append(topics, UserTopic(userID))
	}
	if projectID != "" {
		topics = append(topics, ProjectTopic(projectID))
	}
	if key != "" {
		topics = append(topics, KeyTopic(key))
	}
	w.Publish(ctx, event, topics...)
	return event
}

// NotifyProjectOverridesToggled publishes a project_overrides_toggled event
// to the project topic
func (w *Watcher) NotifyProjectOverridesToggled(ctx context.Context, projectID string, enabled bool) models.ChangeEvent {
	event := models.NewProjectOverridesToggledEvent(projectID, enabled)
	w.Publish(ctx, event, ProjectTopic(projectID))
	return event
}

// Publish delivers event to every subscription of the given topics (once per
// subscription), then runs callbacks, then hands the event to sinks.
func (w *Watcher) Publish(ctx context.Context, event models.ChangeEvent, topics ...string) {
	w.published.Add(1)

	w.mu.RLock()
	seen := make(map[uint64]struct{})
	for _, topic := range topics {
		for id, sub := range w.topics[topic] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			sub.enqueue(event)
		}
	}
	names := make([]string, 0, len(w.callbacks))
	for name := range w.callbacks {
		names = append(names, name)
	}
	sort.Strings(names)
	callbacks := make([]Callback, len(names))
	for i, name := range names {
		callbacks[i] = w.callbacks[name]
	}
	sinks := append([]Sink(nil), w.sinks...)
	w.mu.RUnlock()

	for i, fn := range callbacks {
		w.runCallback(ctx, names[i], fn, event)
	}
	for _, sink := range sinks {
		w.forward(ctx, sink, event)
	}
}

func (w *Watcher) runCallback(ctx context.Context, name string, fn Callback, event models.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			w.callbackFailures.Add(1)
			w.logger.WithFields(logrus.Fields{
				"callback": name,
				"event_id": event.ID,
				"panic":    fmt.Sprint(r),
			}).Error("Preference callback panicked")
		}
	}()
	if err := fn(ctx, event); err != nil {
		w.callbackFailures.Add(1)
		w.logger.WithError(err).WithFields(logrus.Fields{
			"callback": name,
			"event_id": event.ID,
		}).Warn("Preference callback failed")
	}
}

func (w *Watcher) forward(ctx context.Context, sink Sink, event models.ChangeEvent) {
	w.sinkWG.Add(1)
	go func() {
		defer w.sinkWG.Done()
		sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.SinkTimeout)
		defer cancel()
		if err := sink.Publish(sinkCtx, event); err != nil {
			w.sinkFailures.Add(1)
			w.logger.WithError(err).WithField("event_id", event.ID).Warn("Failed to forward change event")
		}
	}()
}

// Wait blocks until in-flight sink deliveries finish
func (w *Watcher) Wait() {
	w.sinkWG.Wait()
}

// Stats holds watcher counters
type Stats struct {
	Published        int64          `json:"published"`
	Pending          int64          `json:"pending"`
	CallbackFailures int64          `json:"callback_failures"`
	SinkFailures     int64          `json:"sink_failures"`
	Subscriptions    map[string]int `json:"subscriptions"`
	Callbacks        []string       `json:"callbacks"`
	Sinks            int            `json:"sinks"`
}

// Stats returns counters and the subscriber count per topic
func (w *Watcher) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := Stats{
		Published:        w.published.Load(),
		CallbackFailures: w.callbackFailures.Load(),
		SinkFailures:     w.sinkFailures.Load(),
		Subscriptions:    make(map[string]int, len(w.topics)),
		Sinks:            len(w.sinks),
	}
	counted := make(map[uint64]struct{})
	for topic, subs := range w.topics {
		s.Subscriptions[topic] = len(subs)
		for id, sub := range subs {
			if _, ok := counted[id]; !ok {
				counted[id] = struct{}{}
				s.Pending += int64(sub.Pending())
			}
		}
	}
	for name := range w.callbacks {
		s.Callbacks = append(s.Callbacks, name)
	}
	sort.Strings(s.Callbacks)
	return s
}

package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tesseract-hub/preferences-service/internal/models"
	"github.com/tesseract-hub/preferences-service/internal/repository"
	"github.com/tesseract-hub/preferences-service/internal/tracker"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Publish(ctx context.Context, event models.ChangeEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func receive(t *testing.T, sub *Subscription) models.ChangeEvent {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return models.ChangeEvent{}
	}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestWatcher_MulticastToMatchingTopics(t *testing.T) {
	w := New(Config{Logger: quietLogger()})
	ctx := context.Background()

	userSub, _ := w.SubscribeUser("u1")
	projectSub, _ := w.SubscribeProject("p1")
	keySub, _ := w.SubscribeKey("ui.theme")
	allSub, _ := w.SubscribeAll()
	otherSub, _ := w.SubscribeUser("u2")

	event := w.NotifyPreferenceChange(ctx, "u1", "p1", "ui.theme", "light", "dark")

	for _, sub := range []*Subscription{userSub, projectSub, keySub, allSub} {
		got := receive(t, sub)
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, "dark", got.NewValue)
	}
	assertEmpty(t, otherSub)
}

func TestWatcher_OneDeliveryPerSubscription(t *testing.T) {
	w := New(Config{Logger: quietLogger()})
	sub, err := w.Subscribe(UserTopic("u1"), KeyTopic("ui.theme"), TopicAll)
	require.NoError(t, err)

	w.NotifyPreferenceChange(context.Background(), "u1", "", "ui.theme", nil, "dark")

	receive(t, sub)
	assertEmpty(t, sub)
}

func TestWatcher_ToggleGoesToProjectTopicOnly(t *testing.T) {
	w := New(Config{Logger: quietLogger()})
	projectSub, _ := w.SubscribeProject("p1")
	allSub, _ := w.SubscribeAll()

	w.NotifyProjectOverridesToggled(context.Background(), "p1", true)

	ev := receive(t, projectSub)
	assert.Equal(t, models.EventProjectOverridesToggled, ev.Type)
	require.NotNil(t, ev.Enabled)
	assert.True(t, *ev.Enabled)
	assertEmpty(t, allSub)
}

func TestWatcher_SlowSubscriberGetsEveryEvent(t *testing.T) {
	w := New(Config{BufferSize: 1, Logger: quietLogger()})
	sub, _ := w.SubscribeAll()
	const total = 200

	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			w.NotifyPreferenceChange(context.Background(), "u1", "", "ui.theme", nil, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.Positive(t, w.Stats().Pending)

	for i := 0; i < total; i++ {
		ev := receive(t, sub)
		require.Equal(t, i, ev.NewValue, "events arrive in publish order")
	}
	assertEmpty(t, sub)
	assert.Zero(t, sub.Pending())
}

func TestWatcher_CallbacksAreIsolated(t *testing.T) {
	w := New(Config{Logger: quietLogger()})
	var (
		mu    sync.Mutex
		calls []string
	)
	record := func(name string) {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()
	}

	w.RegisterCallback("a_panics", func(context.Context, models.ChangeEvent) error {
		record("a")
		panic("boom")
	})
	w.RegisterCallback("b_errors", func(context.Context, models.ChangeEvent) error {
		record("b")
		return errors.New("failed")
	})
	w.RegisterCallback("c_ok", func(context.Context, models.ChangeEvent) error {
		record("c")
		return nil
	})

	assert.NotPanics(t, func() {
		w.NotifyPreferenceChange(context.Background(), "u1", "", "ui.theme", nil, "dark")
	})
	assert.Equal(t, []string{"a", "b", "c"}, calls)
	assert.Equal(t, int64(2), w.Stats().CallbackFailures)

	assert.True(t, w.UnregisterCallback("a_panics"))
	assert.False(t, w.UnregisterCallback("a_panics"))
}

func TestWatcher_CloseStopsDelivery(t *testing.T) {
	w := New(Config{Logger: quietLogger()})
	sub, _ := w.SubscribeUser("u1")
	sub.Close()
	sub.Close()

	w.NotifyPreferenceChange(context.Background(), "u1", "", "ui.theme", nil, "dark")

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Empty(t, w.Stats().Subscriptions)
}

func TestWatcher_SinkReceivesEvents(t *testing.T) {
	w := New(Config{Logger: quietLogger()})
	sink := new(MockSink)
	sink.On("Publish", mock.Anything, mock.MatchedBy(func(ev models.ChangeEvent) bool {
		return ev.PreferenceKey == "ui.theme"
	})).Return(errors.New("nats down"))
	w.AddSink(sink)

	w.NotifyPreferenceChange(context.Background(), "u1", "", "ui.theme", nil, "dark")
	w.Wait()

	sink.AssertNumberOfCalls(t, "Publish", 1)
	assert.Equal(t, int64(1), w.Stats().SinkFailures)
}

func TestWatcher_GetDebugInfo(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	tr := tracker.New(16)
	w := New(Config{Logger: quietLogger(), Repository: repo, Tracker: tr})

	value, _ := models.EncodeValue("dark")
	require.NoError(t, repo.UpsertUserPreference(ctx, &models.UserPreference{UserID: "u1", PreferenceKey: "ui.theme", Value: value, Active: true}))
	require.NoError(t, repo.UpsertProjectEnablement(ctx, &models.ProjectPreferenceEnabled{ProjectID: "p1", Enabled: true, EnabledBy: "admin"}))
	require.NoError(t, repo.UpsertProjectPreference(ctx, &models.ProjectPreference{ProjectID: "p1", PreferenceKey: "ui.theme", Value: value, Active: true}))
	tr.RecordResolution("u1", "ui.theme", "p1", models.TierProject, "project override")

	info, err := w.GetDebugInfo(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.True(t, info.ProjectOverridesEnabled)
	assert.Equal(t, 1, info.UserPreferenceCount)
	assert.Equal(t, 1, info.ProjectOverrideCount)
	assert.Equal(t, models.TierProject, info.Sources["ui.theme"].Tier)

	info, err = w.GetDebugInfo(ctx, "u1", "unknown")
	require.NoError(t, err)
	assert.False(t, info.ProjectOverridesEnabled)
}

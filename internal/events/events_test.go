package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tesseract-hub/preferences-service/internal/models"
)

type MockJetStream struct {
	mock.Mock
}

func (m *MockJetStream) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	args := m.Called(subj, data)
	ack, _ := args.Get(0).(*nats.PubAck)
	return ack, args.Error(1)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestPublisher_PublishesEnvelope(t *testing.T) {
	js := new(MockJetStream)
	event := models.NewPreferenceChangedEvent("u1", "", "ui.theme", "light", "dark")

	js.On("Publish", "preferences.preference_changed", mock.MatchedBy(func(data []byte) bool {
		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			return false
		}
		return envelope.Origin == "pod-a" && envelope.Event.ID == event.ID && envelope.Event.NewValue == "dark"
	})).Return(&nats.PubAck{Stream: "PREFERENCE_EVENTS", Sequence: 7}, nil)

	p := NewPublisherWith(js, "preferences", "pod-a", quietLogger())
	require.NoError(t, p.Publish(context.Background(), event))
	js.AssertExpectations(t)
}

func TestPublisher_ToggleSubject(t *testing.T) {
	js := new(MockJetStream)
	js.On("Publish", "prefs.project_overrides_toggled", mock.Anything).Return(&nats.PubAck{}, nil)

	p := NewPublisherWith(js, "prefs", "pod-a", quietLogger())
	require.NoError(t, p.Publish(context.Background(), models.NewProjectOverridesToggledEvent("p1", true)))
	js.AssertExpectations(t)
}

func TestPublisher_Failure(t *testing.T) {
	js := new(MockJetStream)
	js.On("Publish", mock.Anything, mock.Anything).Return(nil, errors.New("no responders"))

	p := NewPublisherWith(js, "preferences", "pod-a", quietLogger())
	err := p.Publish(context.Background(), models.NewProjectOverridesToggledEvent("p1", false))
	assert.ErrorContains(t, err, "no responders")
}

func TestPublisher_NotConnected(t *testing.T) {
	p := NewPublisher(nil, "pod-a", quietLogger())
	assert.NoError(t, p.Publish(context.Background(), models.NewProjectOverridesToggledEvent("p1", true)))
}

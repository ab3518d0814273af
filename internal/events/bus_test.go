package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-lms/internal/events"
)

type stubStore struct {
	topic   string
	payload []byte
	err     error
}

func (s *stubStore) Insert(_ context.Context, topic string, aggregateID uuid.UUID, payload []byte) (events.Event, error) {
	if s.err != nil {
		return events.Event{}, s.err
	}
	s.topic = topic
	s.payload = payload
	return events.Event{
		ID:          uuid.New(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     payload,
		OccurredAt:  time.Now(),
	}, nil
}

type captureNotifier struct {
	events []events.Event
	err    error
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return c.err
}

func TestEmitPersistsAndFansOut(t *testing.T) {
	store := &stubStore{}
	first := &captureNotifier{}
	second := &captureNotifier{}
	bus := events.Bus{Store: store, Notifiers: []events.Notifier{first, nil, second}}

	orderID := uuid.New()
	ev, err := bus.Emit(context.Background(), events.TopicOrderPaid, orderID, events.OrderPayload{
		OrderID: orderID.String(),
		UserID:  "user-1",
		Status:  "paid",
		Total:   "118.00",
	})
	require.NoError(t, err)
	require.Equal(t, events.TopicOrderPaid, store.topic)
	require.Len(t, first.events, 1)
	require.Len(t, second.events, 1)
	require.Equal(t, ev.ID, second.events[0].ID)

	var decoded events.OrderPayload
	require.NoError(t, ev.Decode(&decoded))
	require.Equal(t, "118.00", decoded.Total)
	require.Equal(t, orderID, ev.AggregateID)
}

func TestEmitJoinsNotifierErrors(t *testing.T) {
	errMail := errors.New("mail down")
	errPush := errors.New("push down")
	bus := events.Bus{
		Store: &stubStore{},
		Notifiers: []events.Notifier{
			&captureNotifier{err: errMail},
			events.NotifierFunc(func(context.Context, events.Event) error { return errPush }),
		},
	}

	ev, err := bus.Emit(context.Background(), events.TopicOrderRefunded, uuid.New(), nil)
	require.ErrorIs(t, err, errMail)
	require.ErrorIs(t, err, errPush)
	require.NotEqual(t, uuid.Nil, ev.ID)
	require.JSONEq(t, `{}`, string(ev.Payload))
}

func TestEmitValidation(t *testing.T) {
	var nilBus *events.Bus
	_, err := nilBus.Emit(context.Background(), events.TopicOrderPaid, uuid.New(), nil)
	require.Error(t, err)

	bus := events.Bus{Store: &stubStore{}}
	_, err = bus.Emit(context.Background(), " ", uuid.New(), nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderPaid, uuid.Nil, nil)
	require.Error(t, err)
	_, err = bus.Emit(context.Background(), events.TopicOrderPaid, uuid.New(), "{not json")
	require.Error(t, err)

	failing := events.Bus{Store: &stubStore{err: errors.New("db down")}}
	_, err = failing.Emit(context.Background(), events.TopicOrderPaid, uuid.New(), nil)
	require.ErrorContains(t, err, "persist event")
}

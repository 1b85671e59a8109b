package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-event-pipeline/shared/events"
)

func TestRegistryOnDecodesTypedPayload(t *testing.T) {
	r := NewRegistry()
	var got events.NewUserEmail
	On(r, events.TypeNewUserEmail, func(_ context.Context, _ events.Envelope, p events.NewUserEmail) error {
		got = p
		return nil
	})

	err := r.Dispatch(context.Background(), events.Envelope{
		Type:    events.TypeNewUserEmail,
		Payload: []byte(`{"email":"a@b.com","name":"A B"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", got.Email)
	assert.True(t, r.Handles(events.TypeNewUserEmail))
}

func TestRegistryRejectsInvalidPayloadBeforeHandler(t *testing.T) {
	r := NewRegistry()
	called := false
	On(r, events.TypeNewUserEmail, func(context.Context, events.Envelope, events.NewUserEmail) error {
		called = true
		return nil
	})
	err := r.Dispatch(context.Background(), events.Envelope{Type: events.TypeNewUserEmail, Payload: []byte(`{}`)})
	var verr *events.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.False(t, called)
	assert.Equal(t, CodeValidation, Classify(err))
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	err := r.Dispatch(context.Background(), events.Envelope{Type: "UNKNOWN_TYPE", Payload: []byte(`{}`)})
	assert.True(t, errors.Is(err, events.ErrUnknownEventType))
	assert.Equal(t, CodeUnknownEventType, Classify(err))
}

func TestRegistryMissing(t *testing.T) {
	r := NewRegistry()
	assert.Len(t, r.Missing(), len(events.Registered()))

	noop := func(context.Context, events.Envelope) error { return nil }
	for _, typ := range events.Registered() {
		if typ == events.TypePushEvent {
			continue
		}
		r.Register(typ, noop)
	}
	assert.Equal(t, []events.Type{events.TypePushEvent}, r.Missing())

	r.Register(events.TypePushEvent, noop)
	assert.Empty(t, r.Missing())
	assert.Len(t, r.Types(), len(events.Registered()))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Code(""), Classify(nil))
	assert.Equal(t, CodeHandler, Classify(errBoom))
	assert.Equal(t, CodeQueueUnavailable, Classify(ErrQueueUnavailable))
}

package events

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

type Type string

const (
	TypeEmailDelivered Type = "EMAIL_DELIVERED"
	TypeEmailOpened    Type = "EMAIL_OPENED"
	TypeEmailClicked   Type = "EMAIL_CLICKED"
	TypeNewUserEmail   Type = "NEW_USER_EMAIL"
	TypePushSubscribed Type = "PUSH_SUBSCRIBED"
	TypePushEvent      Type = "PUSH_EVENT"
)

const (
	TopicEmail          = "EMAIL"
	TopicUserRegistered = "USER_REGISTERED"
	TopicPush           = "FCM"

	deadLetterSuffix = ":dead"
)

// Stream entry field names.
const (
	FieldType       = "type"
	FieldPayload    = "payload"
	FieldEnqueuedAt = "enqueued_at"
)

var ErrUnknownEventType = errors.New("unknown event type")

var topicByType = map[Type]string{
	TypeEmailDelivered: TopicEmail,
	TypeEmailOpened:    TopicEmail,
	TypeEmailClicked:   TopicEmail,
	TypeNewUserEmail:   TopicUserRegistered,
	TypePushSubscribed: TopicPush,
	TypePushEvent:      TopicPush,
}

// Envelope is one record on a topic. ID is assigned by the stream store.
type Envelope struct {
	Topic      string          `json:"topic"`
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

func TopicFor(t Type) (string, bool) {
	topic, ok := topicByType[t]
	return topic, ok
}

func Known(t Type) bool {
	_, ok := topicByType[t]
	return ok
}

func DeadLetterTopic(topic string) string {
	return topic + deadLetterSuffix
}

func IsDeadLetterTopic(topic string) bool {
	return strings.HasSuffix(topic, deadLetterSuffix)
}

// Registered returns every known event type in a stable order.
func Registered() []Type {
	out := make([]Type, 0, len(topicByType))
	for t := range topicByType {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Topics returns every topic that owns at least one event type.
func Topics() []string {
	seen := make(map[string]struct{}, len(topicByType))
	out := make([]string, 0, 3)
	for _, topic := range topicByType {
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func KnownTopic(topic string) bool {
	for _, t := range topicByType {
		if t == topic {
			return true
		}
	}
	return false
}

func (e Envelope) Values() map[string]string {
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	return map[string]string{
		FieldType:       string(e.Type),
		FieldPayload:    payload,
		FieldEnqueuedAt: strconv.FormatInt(e.EnqueuedAt.UTC().UnixMilli(), 10),
	}
}

// FromValues rebuilds an envelope from stream entry fields. Unknown types are
// returned as-is so dispatch can report them.
func FromValues(topic string, id string, values map[string]string) (Envelope, error) {
	env := Envelope{Topic: topic, ID: id}
	rawType := strings.TrimSpace(values[FieldType])
	if rawType == "" {
		return env, &ValidationError{Fields: []FieldError{{Field: FieldType, Rule: "required"}}}
	}
	env.Type = Type(rawType)

	payload := values[FieldPayload]
	if strings.TrimSpace(payload) == "" {
		return env, &ValidationError{Type: env.Type, Fields: []FieldError{{Field: FieldPayload, Rule: "required"}}}
	}
	if !json.Valid([]byte(payload)) {
		return env, &ValidationError{Type: env.Type, Reason: "payload is not valid json"}
	}
	env.Payload = json.RawMessage(payload)

	if raw := strings.TrimSpace(values[FieldEnqueuedAt]); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return env, &ValidationError{Type: env.Type, Fields: []FieldError{{Field: FieldEnqueuedAt, Rule: "unix_ms"}}}
		}
		env.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return env, nil
}

// NewEnvelope marshals a payload for the topic that owns its type.
func NewEnvelope(topic string, payload Payload, enqueuedAt time.Time) (Envelope, error) {
	if payload == nil {
		return Envelope{}, &ValidationError{Reason: "payload is required"}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", payload.EventType(), err)
	}
	return Envelope{Topic: topic, Type: payload.EventType(), Payload: raw, EnqueuedAt: enqueuedAt}, nil
}

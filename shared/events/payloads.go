package events

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Payload is implemented by every event variant.
type Payload interface {
	EventType() Type
}

// EmailEvent covers delivery, open and click tracking. Kind is carried by the
// envelope type rather than the payload body.
type EmailEvent struct {
	Kind       Type      `json:"-" validate:"required,oneof=EMAIL_DELIVERED EMAIL_OPENED EMAIL_CLICKED"`
	CampaignID string    `json:"campaignId" validate:"required,max=128"`
	Recipient  string    `json:"recipient" validate:"required,max=320"`
	URL        string    `json:"url,omitempty" validate:"omitempty,max=2048"`
	OccurredAt time.Time `json:"occurredAt"`
	UserAgent  string    `json:"userAgent,omitempty"`
	IP         string    `json:"ip,omitempty"`
}

func (e EmailEvent) EventType() Type { return e.Kind }

type NewUserEmail struct {
	Email string `json:"email" validate:"required,email,max=320"`
	Name  string `json:"name,omitempty" validate:"omitempty,max=256"`
	Group string `json:"group,omitempty" validate:"omitempty,max=128"`
}

func (NewUserEmail) EventType() Type { return TypeNewUserEmail }

type PushSubscribed struct {
	Endpoint  string `json:"endpoint" validate:"required,url,max=2048"`
	P256dh    string `json:"p256dh,omitempty"`
	Auth      string `json:"auth,omitempty"`
	UserID    string `json:"userId,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

func (PushSubscribed) EventType() Type { return TypePushSubscribed }

const (
	PushStatusDelivered = "delivered"
	PushStatusClicked   = "clicked"
	PushStatusDismissed = "dismissed"
	PushStatusFailed    = "failed"
)

type PushEvent struct {
	NotificationID string    `json:"notificationId" validate:"required,max=128"`
	Endpoint       string    `json:"endpoint,omitempty" validate:"omitempty,url,max=2048"`
	Status         string    `json:"status" validate:"required,oneof=delivered clicked dismissed failed"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func (PushEvent) EventType() Type { return TypePushEvent }

// Decode parses and validates the payload of an envelope of type t.
func Decode(t Type, raw []byte) (Payload, error) {
	if !Known(t) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, t)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ValidationError{Type: t, Reason: "payload is required"}
	}

	var (
		p   Payload
		err error
	)
	switch t {
	case TypeEmailDelivered, TypeEmailOpened, TypeEmailClicked:
		var v EmailEvent
		err = json.Unmarshal(raw, &v)
		v.Kind = t
		p = v
	case TypeNewUserEmail:
		var v NewUserEmail
		err = json.Unmarshal(raw, &v)
		p = v
	case TypePushSubscribed:
		var v PushSubscribed
		err = json.Unmarshal(raw, &v)
		p = v
	case TypePushEvent:
		var v PushEvent
		err = json.Unmarshal(raw, &v)
		p = v
	}
	if err != nil {
		return nil, &ValidationError{Type: t, Reason: "malformed payload: " + err.Error()}
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeEnvelope is Decode applied to an envelope's type and payload.
func DecodeEnvelope(env Envelope) (Payload, error) {
	return Decode(env.Type, env.Payload)
}

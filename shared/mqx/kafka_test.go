package mqx

import (
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"crm-event-pipeline/shared/config"
)

func TestHeadersLastValueWins(t *testing.T) {
	msg := kafka.Message{Headers: []kafka.Header{
		{Key: "event_type", Value: []byte("EMAIL_OPENED")},
		{Key: "source", Value: []byte("esp")},
		{Key: "event_type", Value: []byte("EMAIL_CLICKED")},
	}}
	got := Headers(msg)
	if got["event_type"] != "EMAIL_CLICKED" || got["source"] != "esp" {
		t.Fatalf("unexpected headers: %#v", got)
	}
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	if _, err := NewProducer(config.Config{}); !errors.Is(err, ErrNoBrokers) {
		t.Fatalf("expected ErrNoBrokers, got %v", err)
	}
}

func TestNewConsumerRequiresGroup(t *testing.T) {
	_, err := NewConsumer(config.Config{KafkaBrokers: []string{"localhost:9092"}}, "crm.events", "")
	if err == nil {
		t.Fatalf("expected error without consumer group")
	}
}

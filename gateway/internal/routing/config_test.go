package routing

import (
	"os"
	"path/filepath"
	"testing"

	"crm-event-pipeline/shared/events"
)

func TestResolverTypeFor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	data := `{
  "default_type": "EMAIL_DELIVERED",
  "routes": [
    {"kafka_topic": "push.receipts", "event_type": "PUSH_EVENT"}
  ]
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write routes file: %v", err)
	}
	resolver, err := Load(path)
	if err != nil {
		t.Fatalf("load routes: %v", err)
	}
	if got, ok := resolver.TypeFor(" Push.Receipts "); !ok || got != events.TypePushEvent {
		t.Fatalf("expected PUSH_EVENT, got %q (ok=%v)", got, ok)
	}
	if got, ok := resolver.TypeFor("esp.delivery"); !ok || got != events.TypeEmailDelivered {
		t.Fatalf("expected default EMAIL_DELIVERED, got %q (ok=%v)", got, ok)
	}
}

func TestResolverWithoutDefault(t *testing.T) {
	resolver, err := New(Config{Routes: []Route{{KafkaTopic: "a", EventType: events.TypeEmailOpened}}})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, ok := resolver.TypeFor("b"); ok {
		t.Fatalf("expected no type for unrouted topic")
	}
	var zero Resolver
	if _, ok := zero.TypeFor("a"); ok {
		t.Fatalf("expected zero resolver to route nothing")
	}
}

func TestResolverRejectsBadConfig(t *testing.T) {
	cases := map[string]Config{
		"unknown type":    {Routes: []Route{{KafkaTopic: "a", EventType: "NOPE"}}},
		"missing topic":   {Routes: []Route{{EventType: events.TypeEmailOpened}}},
		"duplicate topic": {Routes: []Route{{KafkaTopic: "a", EventType: events.TypeEmailOpened}, {KafkaTopic: "A", EventType: events.TypePushEvent}}},
		"unknown default": {DefaultType: "NOPE"},
	}
	for name, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

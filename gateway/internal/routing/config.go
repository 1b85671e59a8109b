// Package routing maps inbound Kafka topics onto event types for messages
// that arrive as bare payloads.
package routing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"crm-event-pipeline/shared/events"
)

type Route struct {
	KafkaTopic string      `json:"kafka_topic"`
	EventType  events.Type `json:"event_type"`
}

type Config struct {
	// DefaultType applies to topics without a route. Empty means no default.
	DefaultType events.Type `json:"default_type"`
	Routes      []Route     `json:"routes"`
}

type Resolver struct {
	Config     Config
	routeIndex map[string]events.Type
}

func Load(path string) (Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return Resolver{}, errors.New("routes config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Resolver{}, fmt.Errorf("read routes config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Resolver{}, fmt.Errorf("parse routes config: %w", err)
	}
	return New(cfg)
}

// New validates cfg: every route names a known event type and each topic
// appears once.
func New(cfg Config) (Resolver, error) {
	index := make(map[string]events.Type, len(cfg.Routes))
	for _, route := range cfg.Routes {
		key := routeKey(route.KafkaTopic)
		if key == "" {
			return Resolver{}, errors.New("route must include kafka_topic")
		}
		if !events.Known(route.EventType) {
			return Resolver{}, fmt.Errorf("route %q references unknown event type %q", route.KafkaTopic, route.EventType)
		}
		if _, exists := index[key]; exists {
			return Resolver{}, fmt.Errorf("duplicate route for kafka_topic=%q", route.KafkaTopic)
		}
		index[key] = route.EventType
	}
	if cfg.DefaultType != "" && !events.Known(cfg.DefaultType) {
		return Resolver{}, fmt.Errorf("default_type %q is not a known event type", cfg.DefaultType)
	}
	return Resolver{Config: cfg, routeIndex: index}, nil
}

// TypeFor returns the event type assumed for bare payloads on kafkaTopic.
func (r Resolver) TypeFor(kafkaTopic string) (events.Type, bool) {
	if t, ok := r.routeIndex[routeKey(kafkaTopic)]; ok {
		return t, true
	}
	if r.Config.DefaultType != "" {
		return r.Config.DefaultType, true
	}
	return "", false
}

func routeKey(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}

// DefaultRoutesPath is configs/<env>.bridge.routes.json under the repo root.
func DefaultRoutesPath(env string) (string, error) {
	root, err := findRepoRoot()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(env) == "" {
		env = "dev"
	}
	return filepath.Join(root, "configs", env+".bridge.routes.json"), nil
}

func findRepoRoot() (string, error) {
	start, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("repo root not found")
}

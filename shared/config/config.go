package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	StreamBackendRedis  = "redis"
	StreamBackendMemory = "memory"
)

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int
	WorkerSecret    string
	WebhookSecret   string

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	DBAutoMigrate    bool
	AuditEnabled     bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StreamBackend        string
	StreamTopics         []string
	StreamGroup          string
	StreamConsumer       string
	StreamBatchSize      int
	StreamBlockMS        int
	StreamVisibilityMS   int
	StreamMaxAttempts    int
	StreamMaxLen         int
	StreamHandlerTimeout int
	StreamRetryBaseMS    int
	StreamRetryMaxMS     int
	StreamSweepLockSec   int
	StreamIdleBackoffMS  int

	RateLimitRequests  int
	RateLimitWindowSec int
	CORSAllowedOrigins []string

	KafkaBrokers        []string
	KafkaClientID       string
	KafkaGroupID        string
	KafkaRetryMax       int
	KafkaWriteMS        int
	KafkaAnalyticsTopic string
	BridgeTopics        []string
	BridgeRoutesPath    string

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	DrainScanSec     int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.StreamVisibilityMS) * time.Millisecond
}

func (c Config) BlockTimeout() time.Duration {
	return time.Duration(c.StreamBlockMS) * time.Millisecond
}

func (c Config) HandlerTimeout() time.Duration {
	return time.Duration(c.StreamHandlerTimeout) * time.Millisecond
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                  envRaw,
		ServiceName:          serviceNameDefault,
		HTTPPort:             httpPortDefault,
		LogLevel:             "info",
		ConfigPath:           strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:     30000,
		JWKSTTLSeconds:       300,
		JWTClockSkewSec:      60,
		DBMaxConns:           10,
		DBMinConns:           1,
		DBConnMaxIdleSec:     300,
		DBConnMaxLifeSec:     1800,
		StreamBackend:        StreamBackendRedis,
		StreamTopics:         []string{"EMAIL", "USER_REGISTERED", "FCM"},
		StreamGroup:          "crm-workers",
		StreamBatchSize:      50,
		StreamBlockMS:        5000,
		StreamVisibilityMS:   60000,
		StreamMaxAttempts:    5,
		StreamMaxLen:         100000,
		StreamHandlerTimeout: 10000,
		StreamRetryBaseMS:    5000,
		StreamRetryMaxMS:     300000,
		StreamSweepLockSec:   30,
		StreamIdleBackoffMS:  1000,
		RateLimitRequests:    120,
		RateLimitWindowSec:   60,
		KafkaRetryMax:        5,
		KafkaWriteMS:         5000,
		AsynqQueue:           "default",
		AsynqConcurrency:     10,
		DrainScanSec:         10,
		InfluxTimeoutMS:      5000,
		OtelInsecure:         true,
		OtelSampleRatio:      1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.StreamConsumer == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.StreamConsumer = cfg.ServiceName + "-" + host
		} else {
			cfg.StreamConsumer = cfg.ServiceName
		}
	}
	if cfg.AsynqRedisAddr == "" {
		cfg.AsynqRedisAddr = cfg.RedisAddr
		cfg.AsynqRedisPass = cfg.RedisPassword
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	positive := []struct {
		field string
		value *int
		def   int
	}{
		{"REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, 30000},
		{"JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, 300},
		{"DB_MAX_CONNS", &cfg.DBMaxConns, 10},
		{"DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, 300},
		{"DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, 1800},
		{"STREAM_BATCH_SIZE", &cfg.StreamBatchSize, 50},
		{"STREAM_VISIBILITY_TIMEOUT_MS", &cfg.StreamVisibilityMS, 60000},
		{"STREAM_MAX_ATTEMPTS", &cfg.StreamMaxAttempts, 5},
		{"STREAM_HANDLER_TIMEOUT_MS", &cfg.StreamHandlerTimeout, 10000},
		{"STREAM_RETRY_BASE_MS", &cfg.StreamRetryBaseMS, 5000},
		{"STREAM_RETRY_MAX_MS", &cfg.StreamRetryMaxMS, 300000},
		{"STREAM_SWEEP_LOCK_SECONDS", &cfg.StreamSweepLockSec, 30},
		{"STREAM_IDLE_BACKOFF_MS", &cfg.StreamIdleBackoffMS, 1000},
		{"RATE_LIMIT_REQUESTS", &cfg.RateLimitRequests, 120},
		{"RATE_LIMIT_WINDOW_SECONDS", &cfg.RateLimitWindowSec, 60},
		{"KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, 5000},
		{"ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, 10},
		{"DRAIN_SCAN_INTERVAL_SECONDS", &cfg.DrainScanSec, 10},
		{"INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, 5000},
	}
	for _, p := range positive {
		if *p.value <= 0 {
			*problems = append(*problems, Problem{Field: p.field, Message: p.field + " must be > 0"})
			*p.value = p.def
		}
	}
	nonNegative := []struct {
		field string
		value *int
		def   int
	}{
		{"JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, 60},
		{"DB_MIN_CONNS", &cfg.DBMinConns, 1},
		{"REDIS_DB", &cfg.RedisDB, 0},
		{"ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, 0},
		{"KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, 5},
		{"STREAM_BLOCK_MS", &cfg.StreamBlockMS, 5000},
		{"STREAM_MAX_LEN", &cfg.StreamMaxLen, 100000},
	}
	for _, p := range nonNegative {
		if *p.value < 0 {
			*problems = append(*problems, Problem{Field: p.field, Message: p.field + " must be >= 0"})
			*p.value = p.def
		}
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.StreamVisibilityMS <= cfg.StreamHandlerTimeout {
		*problems = append(*problems, Problem{Field: "STREAM_VISIBILITY_TIMEOUT_MS", Message: "STREAM_VISIBILITY_TIMEOUT_MS must be greater than STREAM_HANDLER_TIMEOUT_MS"})
	}
	if cfg.StreamRetryMaxMS < cfg.StreamRetryBaseMS {
		*problems = append(*problems, Problem{Field: "STREAM_RETRY_MAX_MS", Message: "STREAM_RETRY_MAX_MS must be >= STREAM_RETRY_BASE_MS"})
		cfg.StreamRetryMaxMS = cfg.StreamRetryBaseMS
	}
	switch cfg.StreamBackend {
	case StreamBackendRedis, StreamBackendMemory:
	default:
		*problems = append(*problems, Problem{Field: "STREAM_BACKEND", Message: "STREAM_BACKEND must be redis or memory"})
		cfg.StreamBackend = StreamBackendRedis
	}
	if len(cfg.StreamTopics) == 0 {
		*problems = append(*problems, Problem{Field: "STREAM_TOPICS", Message: "STREAM_TOPICS must list at least one topic"})
	}
	if strings.TrimSpace(cfg.StreamGroup) == "" {
		*problems = append(*problems, Problem{Field: "STREAM_GROUP", Message: "STREAM_GROUP is required"})
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
}

type kind int

const (
	kindString kind = iota
	kindSecret
	kindInt
	kindBool
	kindFloat
	kindList
)

type setting struct {
	key  string
	kind kind
	str  *string
	num  *int
	flag *bool
	dec  *float64
	list *[]string
}

func (cfg *Config) settings() []setting {
	return []setting{
		{key: "SERVICE_NAME", kind: kindString, str: &cfg.ServiceName},
		{key: "LOG_LEVEL", kind: kindString, str: &cfg.LogLevel},
		{key: "REQUEST_TIMEOUT_MS", kind: kindInt, num: &cfg.RequestTimeoutMS},
		{key: "OIDC_ISSUER", kind: kindString, str: &cfg.OIDCIssuer},
		{key: "OIDC_AUDIENCE", kind: kindString, str: &cfg.OIDCAudience},
		{key: "OIDC_JWKS_URL", kind: kindString, str: &cfg.OIDCJWKSURL},
		{key: "JWKS_CACHE_TTL_SECONDS", kind: kindInt, num: &cfg.JWKSTTLSeconds},
		{key: "JWT_CLOCK_SKEW_SECONDS", kind: kindInt, num: &cfg.JWTClockSkewSec},
		{key: "WORKER_SECRET", kind: kindSecret, str: &cfg.WorkerSecret},
		{key: "WEBHOOK_SECRET", kind: kindSecret, str: &cfg.WebhookSecret},
		{key: "DATABASE_URL", kind: kindString, str: &cfg.DatabaseURL},
		{key: "DB_MAX_CONNS", kind: kindInt, num: &cfg.DBMaxConns},
		{key: "DB_MIN_CONNS", kind: kindInt, num: &cfg.DBMinConns},
		{key: "DB_CONN_MAX_IDLE_SECONDS", kind: kindInt, num: &cfg.DBConnMaxIdleSec},
		{key: "DB_CONN_MAX_LIFETIME_SECONDS", kind: kindInt, num: &cfg.DBConnMaxLifeSec},
		{key: "DB_AUTO_MIGRATE", kind: kindBool, flag: &cfg.DBAutoMigrate},
		{key: "AUDIT_ENABLED", kind: kindBool, flag: &cfg.AuditEnabled},
		{key: "REDIS_ADDR", kind: kindString, str: &cfg.RedisAddr},
		{key: "REDIS_PASSWORD", kind: kindSecret, str: &cfg.RedisPassword},
		{key: "REDIS_DB", kind: kindInt, num: &cfg.RedisDB},
		{key: "STREAM_BACKEND", kind: kindString, str: &cfg.StreamBackend},
		{key: "STREAM_TOPICS", kind: kindList, list: &cfg.StreamTopics},
		{key: "STREAM_GROUP", kind: kindString, str: &cfg.StreamGroup},
		{key: "STREAM_CONSUMER", kind: kindString, str: &cfg.StreamConsumer},
		{key: "STREAM_BATCH_SIZE", kind: kindInt, num: &cfg.StreamBatchSize},
		{key: "STREAM_BLOCK_MS", kind: kindInt, num: &cfg.StreamBlockMS},
		{key: "STREAM_VISIBILITY_TIMEOUT_MS", kind: kindInt, num: &cfg.StreamVisibilityMS},
		{key: "STREAM_MAX_ATTEMPTS", kind: kindInt, num: &cfg.StreamMaxAttempts},
		{key: "STREAM_MAX_LEN", kind: kindInt, num: &cfg.StreamMaxLen},
		{key: "STREAM_HANDLER_TIMEOUT_MS", kind: kindInt, num: &cfg.StreamHandlerTimeout},
		{key: "STREAM_RETRY_BASE_MS", kind: kindInt, num: &cfg.StreamRetryBaseMS},
		{key: "STREAM_RETRY_MAX_MS", kind: kindInt, num: &cfg.StreamRetryMaxMS},
		{key: "STREAM_SWEEP_LOCK_SECONDS", kind: kindInt, num: &cfg.StreamSweepLockSec},
		{key: "STREAM_IDLE_BACKOFF_MS", kind: kindInt, num: &cfg.StreamIdleBackoffMS},
		{key: "RATE_LIMIT_REQUESTS", kind: kindInt, num: &cfg.RateLimitRequests},
		{key: "RATE_LIMIT_WINDOW_SECONDS", kind: kindInt, num: &cfg.RateLimitWindowSec},
		{key: "CORS_ALLOWED_ORIGINS", kind: kindList, list: &cfg.CORSAllowedOrigins},
		{key: "KAFKA_BROKERS", kind: kindList, list: &cfg.KafkaBrokers},
		{key: "KAFKA_CLIENT_ID", kind: kindString, str: &cfg.KafkaClientID},
		{key: "KAFKA_CONSUMER_GROUP", kind: kindString, str: &cfg.KafkaGroupID},
		{key: "KAFKA_RETRY_MAX", kind: kindInt, num: &cfg.KafkaRetryMax},
		{key: "KAFKA_WRITE_TIMEOUT_MS", kind: kindInt, num: &cfg.KafkaWriteMS},
		{key: "KAFKA_ANALYTICS_TOPIC", kind: kindString, str: &cfg.KafkaAnalyticsTopic},
		{key: "BRIDGE_TOPICS", kind: kindList, list: &cfg.BridgeTopics},
		{key: "BRIDGE_ROUTES_PATH", kind: kindString, str: &cfg.BridgeRoutesPath},
		{key: "ASYNQ_REDIS_ADDR", kind: kindString, str: &cfg.AsynqRedisAddr},
		{key: "ASYNQ_REDIS_PASSWORD", kind: kindSecret, str: &cfg.AsynqRedisPass},
		{key: "ASYNQ_REDIS_DB", kind: kindInt, num: &cfg.AsynqRedisDB},
		{key: "ASYNQ_QUEUE", kind: kindString, str: &cfg.AsynqQueue},
		{key: "ASYNQ_CONCURRENCY", kind: kindInt, num: &cfg.AsynqConcurrency},
		{key: "DRAIN_SCAN_INTERVAL_SECONDS", kind: kindInt, num: &cfg.DrainScanSec},
		{key: "INFLUX_URL", kind: kindString, str: &cfg.InfluxURL},
		{key: "INFLUX_TOKEN", kind: kindSecret, str: &cfg.InfluxToken},
		{key: "INFLUX_ORG", kind: kindString, str: &cfg.InfluxOrg},
		{key: "INFLUX_BUCKET", kind: kindString, str: &cfg.InfluxBucket},
		{key: "INFLUX_TIMEOUT_MS", kind: kindInt, num: &cfg.InfluxTimeoutMS},
		{key: "OTEL_ENABLED", kind: kindBool, flag: &cfg.OtelEnabled},
		{key: "OTEL_EXPORTER_OTLP_ENDPOINT", kind: kindString, str: &cfg.OtelEndpoint},
		{key: "OTEL_EXPORTER_OTLP_INSECURE", kind: kindBool, flag: &cfg.OtelInsecure},
		{key: "OTEL_SAMPLE_RATIO", kind: kindFloat, dec: &cfg.OtelSampleRatio},
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	for _, s := range cfg.settings() {
		raw := os.Getenv(s.key)
		if s.kind != kindSecret {
			raw = strings.TrimSpace(raw)
		}
		if raw == "" {
			continue
		}
		s.apply(raw, problems)
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	byKey := make(map[string]setting)
	for _, s := range cfg.settings() {
		byKey[s.key] = s
	}
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "ENV":
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
			continue
		case "HTTP_PORT":
			p, ok := asInt(v)
			if !ok || p <= 0 || p > 65535 {
				*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
			} else {
				cfg.HTTPPort = p
			}
			continue
		}
		s, ok := byKey[key]
		if !ok {
			continue
		}
		s.apply(v, problems)
	}
}

func (s setting) apply(v any, problems *[]Problem) {
	switch s.kind {
	case kindString:
		if str, ok := v.(string); ok && strings.TrimSpace(str) != "" {
			*s.str = strings.TrimSpace(str)
		}
	case kindSecret:
		if str, ok := v.(string); ok {
			*s.str = str
		}
	case kindInt:
		n, ok := asInt(v)
		if !ok {
			*problems = append(*problems, Problem{Field: s.key, Message: s.key + " must be an integer"})
			return
		}
		*s.num = n
	case kindBool:
		var b, ok bool
		switch t := v.(type) {
		case bool:
			b, ok = t, true
		case string:
			b, ok = asBool(t)
		}
		if !ok {
			*problems = append(*problems, Problem{Field: s.key, Message: s.key + " must be a boolean"})
			return
		}
		*s.flag = b
	case kindFloat:
		f, ok := asFloat(v)
		if !ok {
			*problems = append(*problems, Problem{Field: s.key, Message: s.key + " must be a number"})
			return
		}
		*s.dec = f
	case kindList:
		switch t := v.(type) {
		case string:
			*s.list = parseCSV(t)
		case []any:
			*s.list = parseAnyCSV(t)
		default:
			*problems = append(*problems, Problem{Field: s.key, Message: s.key + " must be a list"})
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

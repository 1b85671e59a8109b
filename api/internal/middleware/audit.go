package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/goccy/go-json"

	"crm-event-pipeline/api/internal/models"
	"crm-event-pipeline/shared/authx"
	"crm-event-pipeline/shared/httpx"
	"crm-event-pipeline/shared/logx"
)

type AuditWriter interface {
	WriteAuditLog(ctx context.Context, entries []models.AuditLog) error
}

// AuditMiddleware records privileged stream operations and failed
// authentication attempts. Writes happen off the request path.
type AuditMiddleware struct {
	Enabled bool
	Repo    AuditWriter
	Logger  logx.Logger
	Skip    func(*http.Request) bool
	Timeout time.Duration
	// Written is called after each write attempt. Tests use it to wait.
	Written func(error)
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled || m.Repo == nil {
		return next
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		captured := httpsnoop.CaptureMetrics(next, w, r)
		if !shouldAudit(r, captured.Code) {
			return
		}

		resourceType, resourceID := resourceFromPath(r.URL.Path)
		entry := models.AuditLog{
			OccurredAt:   time.Now().UTC(),
			Action:       actionForRequest(r, captured.Code),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			RequestID:    httpx.RequestIDFromContext(r.Context()),
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   captured.Code,
			DurationMS:   captured.Duration.Milliseconds(),
			ClientIP:     httpx.ClientIP(r),
			UserAgent:    strings.TrimSpace(r.UserAgent()),
			Details:      auditDetails(r, captured.Code),
		}

		if auth, ok := authx.FromContext(r.Context()); ok {
			entry.Subject = auth.Subject
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			err := m.Repo.WriteAuditLog(ctx, []models.AuditLog{entry})
			if err != nil {
				m.Logger.Warn(context.Background(), "audit_write_failed", "audit write failed",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
			if m.Written != nil {
				m.Written(err)
			}
		}()
	})
}

func shouldAudit(r *http.Request, statusCode int) bool {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return true
	}
	return r.Method == http.MethodPost
}

func actionForRequest(r *http.Request, statusCode int) string {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return "auth_failed"
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/replay"):
		return "replay"
	case r.Method == http.MethodPost:
		return "drain"
	default:
		return "read"
	}
}

func auditDetails(r *http.Request, statusCode int) []byte {
	details := map[string]any{
		"status_code": statusCode,
	}
	if q := r.URL.RawQuery; q != "" {
		details["query"] = q
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return b
}

// resourceFromPath maps /api/v1/streams/{topic}[/dead-letters/{id}/replay]
// onto a resource type and id.
func resourceFromPath(path string) (*string, *string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "v1" || parts[2] != "streams" {
		return nil, nil
	}
	resource := "stream"
	id := parts[3]
	if len(parts) >= 6 && parts[4] == "dead-letters" {
		resource = "dead_letter"
		id = parts[3] + "/" + parts[5]
	}
	return &resource, &id
}

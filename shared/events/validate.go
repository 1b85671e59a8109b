package events

import (
	"errors"
	"net/url"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError reports a payload or envelope that does not satisfy its schema.
type ValidationError struct {
	Type   Type         `json:"type,omitempty"`
	Fields []FieldError `json:"fields,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Type != "" {
		b.WriteString(" for ")
		b.WriteString(string(e.Type))
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	for i, f := range e.Fields {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(f.Field)
		b.WriteString(" (")
		b.WriteString(f.Rule)
		b.WriteString(")")
	}
	return b.String()
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks struct tags and the per-variant rules tags cannot express.
func Validate(p Payload) error {
	if p == nil {
		return &ValidationError{Reason: "payload is required"}
	}
	t := p.EventType()
	if err := validatorInstance().Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			out := &ValidationError{Type: t}
			for _, fe := range verrs {
				out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
			}
			return out
		}
		return &ValidationError{Type: t, Reason: err.Error()}
	}

	if e, ok := p.(EmailEvent); ok && e.Kind == TypeEmailClicked {
		if strings.TrimSpace(e.URL) == "" {
			return &ValidationError{Type: t, Fields: []FieldError{{Field: "url", Rule: "required"}}}
		}
		if !IsHTTPURL(e.URL) {
			return &ValidationError{Type: t, Fields: []FieldError{{Field: "url", Rule: "http_url"}}}
		}
	}
	return nil
}

// IsHTTPURL reports whether raw is an absolute http or https URL with a host.
func IsHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

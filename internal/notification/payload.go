package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// PayloadError reports a schema violation in one inbound payload.
// The event is dropped; nothing else is affected.
type PayloadError struct {
	Field  string
	Reason string
	Err    error
}

func (e *PayloadError) Error() string {
	if e.Field == "" {
		return "malformed payload: " + e.Reason
	}
	return fmt.Sprintf("malformed payload: %s: %s", e.Field, e.Reason)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// IsMalformed reports whether err came from payload decoding.
func IsMalformed(err error) bool {
	var pe *PayloadError
	return errors.As(err, &pe)
}

// wirePayload is the JSON shape on the real-time channel.
type wirePayload struct {
	ID        string         `json:"id" validate:"required,max=256"`
	Type      string         `json:"type" validate:"required"`
	Priority  string         `json:"priority" validate:"required,oneof=critical urgent high normal medium low"`
	Title     string         `json:"title" validate:"required,max=512"`
	Body      string         `json:"body" validate:"max=8192"`
	ActionURL string         `json:"actionUrl,omitempty" validate:"omitempty,uri"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt *time.Time     `json:"createdAt" validate:"required"`
	UserID    string         `json:"userId,omitempty" validate:"max=256"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func payloadValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		// Report JSON names so log lines match what producers send.
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate = v
	})
	return validate
}

// Decode parses and validates one inbound payload.
func Decode(raw []byte) (Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Event{}, &PayloadError{Reason: "empty payload"}
	}
	var w wirePayload
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, &PayloadError{Reason: "invalid json", Err: err}
	}
	if err := payloadValidator().Struct(w); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) && len(ves) > 0 {
			fe := ves[0]
			return Event{}, &PayloadError{Field: fe.Field(), Reason: "failed " + fe.Tag(), Err: err}
		}
		return Event{}, &PayloadError{Reason: err.Error(), Err: err}
	}

	typ, err := ParseType(w.Type)
	if err != nil {
		return Event{}, &PayloadError{Field: "type", Reason: err.Error(), Err: err}
	}
	prio, err := ParsePriority(w.Priority)
	if err != nil {
		return Event{}, &PayloadError{Field: "priority", Reason: err.Error(), Err: err}
	}
	if w.CreatedAt.IsZero() {
		return Event{}, &PayloadError{Field: "createdAt", Reason: "zero timestamp"}
	}

	return Event{
		ID:        strings.TrimSpace(w.ID),
		Type:      typ,
		Priority:  prio,
		Title:     w.Title,
		Body:      w.Body,
		ActionURL: w.ActionURL,
		Data:      w.Data,
		CreatedAt: *w.CreatedAt,
		UserID:    strings.TrimSpace(w.UserID),
	}, nil
}

// Encode renders e in the inbound wire format. Used by test producers and
// the collector's replay tooling.
func Encode(e Event) ([]byte, error) {
	created := e.CreatedAt
	return json.Marshal(wirePayload{
		ID:        e.ID,
		Type:      e.Type.String(),
		Priority:  e.Priority.String(),
		Title:     e.Title,
		Body:      e.Body,
		ActionURL: e.ActionURL,
		Data:      e.Data,
		CreatedAt: &created,
		UserID:    e.UserID,
	})
}

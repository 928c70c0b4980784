package notification

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// Type is the closed set of notification categories the platform emits.
// Every switch over Type lists all values (checked by the exhaustive linter).
type Type uint8

const (
	TypeUnknown Type = iota
	TypeAchievement
	TypeReminder
	TypeGoal
	TypeStreak
	TypeSocial
	TypeSystem
	TypeCourseUpdate
	TypeMessage
)

// AllTypes lists every valid Type in declaration order.
var AllTypes = []Type{
	TypeAchievement,
	TypeReminder,
	TypeGoal,
	TypeStreak,
	TypeSocial,
	TypeSystem,
	TypeCourseUpdate,
	TypeMessage,
}

func (t Type) String() string {
	switch t {
	case TypeAchievement:
		return "achievement"
	case TypeReminder:
		return "reminder"
	case TypeGoal:
		return "goal"
	case TypeStreak:
		return "streak"
	case TypeSocial:
		return "social"
	case TypeSystem:
		return "system"
	case TypeCourseUpdate:
		return "course_update"
	case TypeMessage:
		return "message"
	case TypeUnknown:
		return "unknown"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseType maps the wire name to a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "achievement":
		return TypeAchievement, nil
	case "reminder":
		return TypeReminder, nil
	case "goal":
		return TypeGoal, nil
	case "streak":
		return TypeStreak, nil
	case "social":
		return TypeSocial, nil
	case "system":
		return TypeSystem, nil
	case "course_update", "course-update", "courseupdate":
		return TypeCourseUpdate, nil
	case "message":
		return TypeMessage, nil
	default:
		return TypeUnknown, fmt.Errorf("unknown notification type %q", s)
	}
}

// Groupable reports whether repeated events of this type from the same user
// collapse into one on-screen slot.
func (t Type) Groupable() bool {
	switch t {
	case TypeSocial, TypeMessage, TypeStreak, TypeCourseUpdate:
		return true
	case TypeAchievement, TypeReminder, TypeGoal, TypeSystem, TypeUnknown:
		return false
	default:
		return false
	}
}

// Icon is the renderer's icon key for the type.
func (t Type) Icon() string {
	switch t {
	case TypeAchievement:
		return "trophy"
	case TypeReminder:
		return "clock"
	case TypeGoal:
		return "target"
	case TypeStreak:
		return "flame"
	case TypeSocial:
		return "users"
	case TypeSystem:
		return "info"
	case TypeCourseUpdate:
		return "book"
	case TypeMessage:
		return "message"
	case TypeUnknown:
		return "bell"
	default:
		return "bell"
	}
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Priority ranks notifications: critical > urgent > high > normal > low.
// The zero value is invalid so a missing priority is caught by validation.
type Priority uint8

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
}

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityCritical }

// HigherThan reports whether p strictly outranks o.
func (p Priority) HigherThan(o Priority) bool { return p > o }

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "medium":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Event is an inbound notification. It is immutable once decoded; the
// pipeline passes it by value.
type Event struct {
	ID        string
	Type      Type
	Priority  Priority
	Title     string
	Body      string
	ActionURL string
	Data      map[string]any
	CreatedAt time.Time
	// UserID is the originating user (sender of a message, author of a
	// social action). Empty means the platform itself.
	UserID string
}

// ContentHash is the dedup identity: hash(id, title, body).
func (e Event) ContentHash() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(e.ID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(e.Title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(e.Body))
	return strconv.FormatUint(h.Sum64(), 16)
}

// GroupKey identifies the (type, originating user) slot used by grouping.
func (e Event) GroupKey() string {
	return e.Type.String() + "|" + e.UserID
}

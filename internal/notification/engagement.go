package notification

import (
	"fmt"
	"strings"
	"time"
)

// EngagementType is a lifecycle transition worth reporting.
type EngagementType uint8

const (
	EngagementDelivered EngagementType = iota + 1
	EngagementOpened
	EngagementClicked
	EngagementDismissed
)

var AllEngagementTypes = []EngagementType{
	EngagementDelivered,
	EngagementOpened,
	EngagementClicked,
	EngagementDismissed,
}

func (t EngagementType) String() string {
	switch t {
	case EngagementDelivered:
		return "delivered"
	case EngagementOpened:
		return "opened"
	case EngagementClicked:
		return "clicked"
	case EngagementDismissed:
		return "dismissed"
	default:
		return "engagement(" + fmt.Sprint(uint8(t)) + ")"
	}
}

func ParseEngagementType(s string) (EngagementType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "delivered":
		return EngagementDelivered, nil
	case "opened":
		return EngagementOpened, nil
	case "clicked":
		return EngagementClicked, nil
	case "dismissed":
		return EngagementDismissed, nil
	default:
		return 0, fmt.Errorf("unknown engagement event type %q", s)
	}
}

func (t EngagementType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *EngagementType) UnmarshalText(b []byte) error {
	v, err := ParseEngagementType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ChannelInApp is the only channel this pipeline produces today.
const ChannelInApp = "in_app"

// EngagementEvent is one recorded lifecycle transition. Append-only: never
// mutated after creation.
type EngagementEvent struct {
	NotificationID string            `json:"notificationId"`
	UserID         string            `json:"userId"`
	EventType      EngagementType    `json:"eventType"`
	Channel        string            `json:"channel"`
	CorrelationID  string            `json:"correlationId"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CorrelationID returns the default idempotency key for a transition.
func CorrelationID(notificationID string, t EngagementType) string {
	return notificationID + ":" + t.String()
}

// NewEngagement builds an event with the default channel and correlation ID.
func NewEngagement(userID, notificationID string, t EngagementType, at time.Time, meta map[string]string) EngagementEvent {
	var md map[string]string
	if len(meta) > 0 {
		md = make(map[string]string, len(meta))
		for k, v := range meta {
			md[k] = v
		}
	}
	return EngagementEvent{
		NotificationID: notificationID,
		UserID:         userID,
		EventType:      t,
		Channel:        ChannelInApp,
		CorrelationID:  CorrelationID(notificationID, t),
		Timestamp:      at,
		Metadata:       md,
	}
}

// Batch is the outbound payload: { "batch": [ ... ] }.
type Batch struct {
	BatchID string            `json:"batchId,omitempty"`
	Events  []EngagementEvent `json:"batch"`
}

// CorrelationIDs lists the batch's idempotency keys in order.
func (b Batch) CorrelationIDs() []string {
	out := make([]string, len(b.Events))
	for i, e := range b.Events {
		out[i] = e.CorrelationID
	}
	return out
}

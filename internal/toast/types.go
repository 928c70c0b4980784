package toast

import (
	"errors"
	"strconv"
	"time"

	"notipipe/internal/notification"
)

var (
	ErrNotDisplayed = errors.New("toast not displayed")
	ErrInvalidID    = errors.New("notification id is required")
)

// State is the lifecycle of one toast.
//
//	queued -> displayed -> {dismissed | expired | evicted | replaced}
type State uint8

const (
	StateQueued State = iota + 1
	StateDisplayed
	StateDismissed // by the user
	StateExpired
	StateEvicted
	StateReplaced // grouped into a newer toast
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDisplayed:
		return "displayed"
	case StateDismissed:
		return "dismissed_by_user"
	case StateExpired:
		return "expired"
	case StateEvicted:
		return "evicted"
	case StateReplaced:
		return "replaced"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

func (s State) Terminal() bool {
	switch s {
	case StateDismissed, StateExpired, StateEvicted, StateReplaced:
		return true
	case StateQueued, StateDisplayed:
		return false
	default:
		return false
	}
}

// Kind names what a Transition reports.
type Kind uint8

const (
	KindQueued Kind = iota + 1
	KindDisplayed
	KindDismissed
	KindExpired
	KindEvicted
	KindReplaced
	KindOpened
	KindClicked
	// KindFiltered means the event was rejected before admission
	// (type disabled or quiet hours). It never reaches the screen.
	KindFiltered
)

func (k Kind) String() string {
	switch k {
	case KindQueued:
		return "queued"
	case KindDisplayed:
		return "displayed"
	case KindDismissed:
		return "dismissed"
	case KindExpired:
		return "expired"
	case KindEvicted:
		return "evicted"
	case KindReplaced:
		return "replaced"
	case KindOpened:
		return "opened"
	case KindClicked:
		return "clicked"
	case KindFiltered:
		return "filtered"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Dismiss reasons.
const (
	ReasonUser    = "user"
	ReasonClicked = "clicked"
	ReasonAction  = "action"
)

// View is a read-only copy of a toast. The scheduler never hands out its
// own entries.
type View struct {
	NotificationID string
	Event          notification.Event
	State          State
	QueuedAt       time.Time
	DisplayedAt    time.Time
	AutoDismissAt  time.Time
	Dismissed      bool
	// GroupCount is how many events this slot has absorbed (1 when none).
	GroupCount int
}

// Transition is one thing that happened inside a scheduler call.
type Transition struct {
	Kind   Kind
	Toast  View
	At     time.Time
	Reason string
	// By is the notification that took this toast's slot (evicted or
	// replaced entries only).
	By string
}

// Snapshot is what renderers draw: displayed toasts, highest priority
// first, plus the number still waiting.
type Snapshot struct {
	Displayed []View
	Queued    int
}

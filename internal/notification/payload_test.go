package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeValidPayload(t *testing.T) {
	ev, err := Decode([]byte(`{
		"id": " n-42 ",
		"type": "course_update",
		"priority": "urgent",
		"title": "New module",
		"body": "Unit 4 is live",
		"actionUrl": "https://learn.example.com/u/4",
		"data": {"course": "go-101"},
		"createdAt": "2026-10-01T09:30:00Z",
		"userId": "coach-7"
	}`))
	require.NoError(t, err)
	require.Equal(t, "n-42", ev.ID)
	require.Equal(t, TypeCourseUpdate, ev.Type)
	require.Equal(t, PriorityUrgent, ev.Priority)
	require.Equal(t, "go-101", ev.Data["course"])
	require.Equal(t, "coach-7", ev.UserID)
	require.True(t, ev.CreatedAt.Equal(time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)))
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]struct {
		raw   string
		field string
	}{
		"empty":         {raw: ``},
		"not json":      {raw: `{"id":`},
		"missing id":    {raw: `{"type":"goal","priority":"low","title":"t","createdAt":"2026-10-01T09:30:00Z"}`, field: "id"},
		"unknown type":  {raw: `{"id":"1","type":"promo","priority":"low","title":"t","createdAt":"2026-10-01T09:30:00Z"}`, field: "type"},
		"bad priority":  {raw: `{"id":"1","type":"goal","priority":"meh","title":"t","createdAt":"2026-10-01T09:30:00Z"}`, field: "priority"},
		"missing title": {raw: `{"id":"1","type":"goal","priority":"low","createdAt":"2026-10-01T09:30:00Z"}`, field: "title"},
		"bad url":       {raw: `{"id":"1","type":"goal","priority":"low","title":"t","actionUrl":"not a url","createdAt":"2026-10-01T09:30:00Z"}`, field: "actionUrl"},
		"no createdAt":  {raw: `{"id":"1","type":"goal","priority":"low","title":"t"}`, field: "createdAt"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			require.Error(t, err)
			require.True(t, IsMalformed(err))
			var pe *PayloadError
			require.ErrorAs(t, err, &pe)
			require.Equal(t, tc.field, pe.Field)
		})
	}
}

func TestEncodeDecodeKeepsIdentity(t *testing.T) {
	in := Event{
		ID:        "n1",
		Type:      TypeStreak,
		Priority:  PriorityHigh,
		Title:     "7 day streak",
		Body:      "Keep going",
		CreatedAt: time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC),
	}
	raw, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, in.ContentHash(), out.ContentHash())
	require.Equal(t, in.GroupKey(), out.GroupKey())
}

func TestContentHashIgnoresNonIdentityFields(t *testing.T) {
	a := Event{ID: "1", Title: "t", Body: "b", Priority: PriorityLow}
	b := a
	b.Priority = PriorityCritical
	b.CreatedAt = time.Now()
	require.Equal(t, a.ContentHash(), b.ContentHash())

	c := a
	c.Body = "b2"
	require.NotEqual(t, a.ContentHash(), c.ContentHash())

	// Field boundaries matter.
	d := Event{ID: "1t", Title: "", Body: "b"}
	require.NotEqual(t, a.ContentHash(), d.ContentHash())
}

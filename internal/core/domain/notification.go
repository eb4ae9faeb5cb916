package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoTopics is returned when a subscription is requested without any topic.
var ErrNoTopics = errors.New("notification: at least one topic is required")

// Topics published by the portal whenever the underlying records change.
const (
	TopicPayments      = "payments"
	TopicRegistrations = "registrations"
	TopicEnrollments   = "enrollments"
	TopicAnnouncements = "announcements"
	TopicCourses       = "courses"
)

// Notification is a push event received from the change feed. It only says that something changed;
// consumers never apply it as a diff.
type Notification struct {
	ID         string         `json:"event_id"`
	Topic      string         `json:"topic"`
	Kind       string         `json:"event_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"-"`
}

// EventFilter narrows a subscription to events whose payload field equals Value.
type EventFilter struct {
	Field string
	Value string
}

// SubjectFilter scopes a subscription to a single subject id.
func SubjectFilter(subjectID string) *EventFilter {
	return &EventFilter{Field: "subject_id", Value: subjectID}
}

// Matches reports whether the notification passes the filter. A nil filter matches everything.
func (f *EventFilter) Matches(n Notification) bool {
	if f == nil || f.Field == "" {
		return true
	}
	if n.Payload == nil {
		return false
	}
	raw, ok := n.Payload[f.Field]
	if !ok || raw == nil {
		return false
	}
	return fmt.Sprint(raw) == f.Value
}

func (f *EventFilter) String() string {
	if f == nil {
		return ""
	}
	return f.Field + "=" + f.Value
}

package graph

import "time"

// EventType identifies the kind of structural change an event reports.
type EventType string

// Event types.
const (
	EventUserAdded         EventType = "user_added"
	EventUserDeleted       EventType = "user_deleted"
	EventGroupAdded        EventType = "group_added"
	EventGroupDeleted      EventType = "group_deleted"
	EventMembershipAdded   EventType = "membership_added"
	EventMembershipRemoved EventType = "membership_removed"
	EventGrantAdded        EventType = "grant_added"
	EventGrantRemoved      EventType = "grant_removed"
	EventEntityDisabled    EventType = "entity_disabled"
	EventEntityEnabled     EventType = "entity_enabled"
)

// disableEventType maps the target state of a disable/enable mutation
// to its event type.
func disableEventType(disabled bool) EventType {
	if disabled {
		return EventEntityDisabled
	}
	return EventEntityEnabled
}

// Event describes one committed structural mutation. Version is the
// snapshot version the mutation produced.
type Event struct {
	Type    EventType `json:"type"`
	Entity  Ref       `json:"entity"`
	Group   string    `json:"group,omitempty"`
	Version uint64    `json:"version"`
	Time    time.Time `json:"time"`
}

// EventHandler receives committed mutation events. Handlers run on the
// mutating goroutine after the commit and must return quickly; anything
// slow belongs behind a queue.
type EventHandler func(Event)

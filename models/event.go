package models

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventQueueUpdate EventType = "queueUpdate"
	EventTurnGranted EventType = "turnGranted"
	EventStatus      EventType = "status"
)

// Event is the only payload shape pushed to subscribers. Exactly one of
// Queue, Turn or Status is meaningful for a given Type.
type Event struct {
	Type   EventType     `json:"type"`
	Queue  []QueueEntry  `json:"queue,omitempty"`
	Turn   *TurnGranted  `json:"turn,omitempty"`
	Status *StatusReport `json:"status,omitempty"`
	SentAt time.Time     `json:"sent_at"`
}

// MarshalJSON always renders the queue of a queueUpdate, even when empty.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Type != EventQueueUpdate {
		return json.Marshal(plain(e))
	}
	queue := e.Queue
	if queue == nil {
		queue = []QueueEntry{}
	}
	return json.Marshal(struct {
		plain
		Queue []QueueEntry `json:"queue"`
	}{plain: plain(e), Queue: queue})
}

type TurnGranted struct {
	ClientID   string    `json:"client_id"`
	ResourceID string    `json:"resource_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// StatusReport answers a subscriber's pull request for current state.
type StatusReport struct {
	ClientID    string       `json:"client_id"`
	ResourceID  string       `json:"resource_id"`
	ActiveTurn  *TurnGranted `json:"active_turn,omitempty"`
	TurnExpired bool         `json:"turn_expired"`
	Position    int          `json:"position"` // 1-based, 0 when not queued
	Snapshot    []QueueEntry `json:"snapshot"`
}

func NewQueueUpdate(snapshot []QueueEntry, at time.Time) Event {
	if snapshot == nil {
		snapshot = []QueueEntry{}
	}
	return Event{Type: EventQueueUpdate, Queue: snapshot, SentAt: at}
}

func NewTurnGranted(key EntryKey, expiresAt time.Time, at time.Time) Event {
	return Event{
		Type: EventTurnGranted,
		Turn: &TurnGranted{
			ClientID:   key.ClientID,
			ResourceID: key.ResourceID,
			ExpiresAt:  expiresAt,
		},
		SentAt: at,
	}
}

func NewStatusEvent(report *StatusReport, at time.Time) Event {
	return Event{Type: EventStatus, Status: report, SentAt: at}
}

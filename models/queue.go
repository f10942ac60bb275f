package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EntryKey identifies one waiting client for one resource.
type EntryKey struct {
	ClientID   string `json:"client_id"`
	ResourceID string `json:"resource_id"`
}

func NewEntryKey(clientID, resourceID string) EntryKey {
	return EntryKey{ClientID: clientID, ResourceID: resourceID}
}

// Valid reports whether both halves of the key are set.
func (k EntryKey) Valid() bool {
	return strings.TrimSpace(k.ClientID) != "" && strings.TrimSpace(k.ResourceID) != ""
}

// Field renders the canonical form stored in Redis as index field and
// sorted-set member suffix.
func (k EntryKey) Field() string {
	data, _ := json.Marshal(k)
	return string(data)
}

func (k EntryKey) String() string {
	return k.ClientID + "/" + k.ResourceID
}

// ParseEntryKey is the inverse of Field.
func ParseEntryKey(field string) (EntryKey, error) {
	var key EntryKey
	if err := json.Unmarshal([]byte(field), &key); err != nil {
		return EntryKey{}, err
	}
	return key, nil
}

type QueueEntry struct {
	ClientID   string  `json:"client_id"`
	ResourceID string  `json:"resource_id"`
	Score      float64 `json:"score"`
}

func (e QueueEntry) Key() EntryKey {
	return EntryKey{ClientID: e.ClientID, ResourceID: e.ResourceID}
}

// TurnSession is the exclusive, time-boxed right of the queue head to pay.
type TurnSession struct {
	Key       EntryKey  `json:"key"`
	Token     string    `json:"-"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *TurnSession) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// EntryState tracks an entry through the turn lifecycle.
type EntryState string

const (
	EntryWaiting   EntryState = "waiting"
	EntryGranted   EntryState = "granted"
	EntryCompleted EntryState = "completed"
	EntryExpired   EntryState = "expired"
	EntryRemoved   EntryState = "removed"
)

type QueueMetrics struct {
	TotalInQueue int          `json:"total_in_queue"`
	Head         *QueueEntry  `json:"head,omitempty"`
	ActiveTurn   *TurnSession `json:"active_turn,omitempty"`
	LastUpdated  time.Time    `json:"last_updated"`
}

package models

import (
	"encoding/json"
	"time"
)

// ActionKind is the mutation recorded by an OfflineAction.
type ActionKind string

const (
	ActionCreate ActionKind = "CREATE"
	ActionUpdate ActionKind = "UPDATE"
	ActionDelete ActionKind = "DELETE"
)

// Valid reports whether k is one of the known kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// EntityType names the kind of record an action mutates.
type EntityType string

const (
	EntityTask    EntityType = "task"
	EntityEvent   EntityType = "event"
	EntityGoal    EntityType = "goal"
	EntitySetting EntityType = "setting"
)

// Valid reports whether e is one of the known entity types.
func (e EntityType) Valid() bool {
	switch e {
	case EntityTask, EntityEvent, EntityGoal, EntitySetting:
		return true
	}
	return false
}

// OfflineAction is a locally made mutation waiting to be replayed remotely.
type OfflineAction struct {
	ID         string          `json:"id"`
	Kind       ActionKind      `json:"kind"`
	EntityType EntityType      `json:"entity_type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Synced     bool            `json:"synced"`
	Seq        uint64          `json:"seq"`
	Attempts   int             `json:"attempts,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

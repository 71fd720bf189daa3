package livesync

import (
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
)

// State is the lifecycle state of an activation.
type State string

const (
	StateInactive State = "inactive"
	StateLoading  State = "loading"
	StateSynced   State = "synced"
	// StatePending is StateSynced with at least one local mutation in flight.
	StatePending State = "synced+pending"
)

// Mode describes the change feed.
type Mode string

const (
	ModeOff          Mode = "off"
	ModeConnecting   Mode = "connecting"
	ModeLive         Mode = "live"
	ModeReconnecting Mode = "reconnecting"
	// ModeSnapshotOnly means resubscription gave up; only re-fetches update the view.
	ModeSnapshotOnly Mode = "snapshot-only"
)

// Notice is a dismissible, user-visible error message.
type Notice struct {
	ID      uint64      `json:"id"`
	Kind    domain.Kind `json:"kind"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// View is an immutable copy of the synchronizer state.
type View struct {
	UserID   string          `json:"user_id,omitempty"`
	State    State           `json:"state"`
	Mode     Mode            `json:"mode"`
	Loading  bool            `json:"loading"`
	Items    []domain.Record `json:"items"`
	Count    int             `json:"count"`
	SyncedAt time.Time       `json:"synced_at,omitzero"`
	Notices  []Notice        `json:"notices"`
	Epoch    uint64          `json:"epoch"`
}

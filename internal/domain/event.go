package domain

// EventKind identifies a change feed notification.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
)

// Event is a single change feed notification for one user scope.
//
// Added events carry the full Record. Removed events carry ID and,
// when the transport knows it, OwnerID.
type Event struct {
	Kind    EventKind `json:"type"`
	Record  *Record   `json:"record,omitempty"`
	ID      string    `json:"id,omitempty"`
	OwnerID string    `json:"owner_id,omitempty"`
}

// Added builds an added event for r.
func Added(r Record) Event {
	return Event{Kind: EventAdded, Record: &r, ID: r.ID, OwnerID: r.OwnerID}
}

// Removed builds a removed event for the record id owned by ownerID.
func Removed(id, ownerID string) Event {
	return Event{Kind: EventRemoved, ID: id, OwnerID: ownerID}
}

// Owner returns the owner the event is scoped to, or "" if unknown.
func (e Event) Owner() string {
	if e.Record != nil {
		return e.Record.OwnerID
	}
	return e.OwnerID
}

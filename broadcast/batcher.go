package broadcast

import (
	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
)

// BatchEntry one marker event queued for a connection, annotated with how
// the connection matched it
type BatchEntry struct {
	// Event the underlying marker mutation
	Event common.MarkerEvent
	// ViaViewport whether the connection's live viewport contains the marker
	ViaViewport bool
	// SubscriptionIDs the connection's subscriptions which matched the event
	SubscriptionIDs []string
}

// Delivery the coalesced pending entries for one connection, flushed as a unit
type Delivery struct {
	// ConnectionID the destination connection
	ConnectionID string
	// Entries the events in their arrival order for this connection
	Entries []BatchEntry
}

// connBatcher per-connection pending event buffer with its flush timer
type connBatcher struct {
	connID  string
	pending []BatchEntry
	timer   common.IntervalTimer
	armed   bool
}

// add queue one entry, collapsing obsolete entries when a marker is deleted
func (b *connBatcher) add(entry BatchEntry) {
	if entry.Event.Type == common.MarkerEventDeleted {
		// A delete makes any still-pending create/update of the same marker moot
		kept := b.pending[:0]
		for _, pending := range b.pending {
			if pending.Event.Marker.ID == entry.Event.Marker.ID &&
				pending.Event.Type != common.MarkerEventDeleted {
				continue
			}
			kept = append(kept, pending)
		}
		b.pending = kept
	}
	b.pending = append(b.pending, entry)
}

// drain take all pending entries and reset the buffer
func (b *connBatcher) drain() []BatchEntry {
	entries := b.pending
	b.pending = nil
	b.armed = false
	return entries
}

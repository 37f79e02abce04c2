package broadcast

import (
	"testing"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func queuedEvent(markerID string, eventType common.MarkerEventType) BatchEntry {
	return BatchEntry{
		Event: common.MarkerEvent{
			Type: eventType,
			Marker: common.Marker{
				ID:       markerID,
				Location: common.GeoPoint{Longitude: 1, Latitude: 1},
			},
			ReceivedAt: time.Now(),
		},
		ViaViewport: true,
	}
}

func TestConnBatcher(t *testing.T) {
	assert := assert.New(t)

	marker1 := uuid.New().String()
	marker2 := uuid.New().String()

	// Case 1: entries drain in arrival order
	{
		uut := &connBatcher{connID: uuid.New().String()}
		uut.add(queuedEvent(marker1, common.MarkerEventCreated))
		uut.add(queuedEvent(marker2, common.MarkerEventCreated))
		uut.add(queuedEvent(marker1, common.MarkerEventUpdated))
		entries := uut.drain()
		assert.Len(entries, 3)
		assert.Equal(marker1, entries[0].Event.Marker.ID)
		assert.Equal(common.MarkerEventCreated, entries[0].Event.Type)
		assert.Equal(marker2, entries[1].Event.Marker.ID)
		assert.Equal(common.MarkerEventUpdated, entries[2].Event.Type)
	}

	// Case 2: drain resets the buffer
	{
		uut := &connBatcher{connID: uuid.New().String()}
		uut.add(queuedEvent(marker1, common.MarkerEventCreated))
		assert.Len(uut.drain(), 1)
		assert.Empty(uut.drain())
		assert.False(uut.armed)
	}

	// Case 3: a delete collapses pending mutations of the same marker
	{
		uut := &connBatcher{connID: uuid.New().String()}
		uut.add(queuedEvent(marker1, common.MarkerEventCreated))
		uut.add(queuedEvent(marker1, common.MarkerEventUpdated))
		uut.add(queuedEvent(marker2, common.MarkerEventUpdated))
		uut.add(queuedEvent(marker1, common.MarkerEventDeleted))
		entries := uut.drain()
		assert.Len(entries, 2)
		assert.Equal(marker2, entries[0].Event.Marker.ID)
		assert.Equal(common.MarkerEventUpdated, entries[0].Event.Type)
		assert.Equal(marker1, entries[1].Event.Marker.ID)
		assert.Equal(common.MarkerEventDeleted, entries[1].Event.Type)
	}

	// Case 4: the collapse never touches other markers' deletes
	{
		uut := &connBatcher{connID: uuid.New().String()}
		uut.add(queuedEvent(marker2, common.MarkerEventDeleted))
		uut.add(queuedEvent(marker1, common.MarkerEventDeleted))
		entries := uut.drain()
		assert.Len(entries, 2)
		assert.Equal(marker2, entries[0].Event.Marker.ID)
		assert.Equal(marker1, entries[1].Event.Marker.ID)
	}
}

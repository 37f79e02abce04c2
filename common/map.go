package common

import (
	"encoding/json"
	"fmt"
	"time"
)

// GeoPoint a single point geometry on the map
type GeoPoint struct {
	// Longitude in degrees, within [-180, 180]
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	// Latitude in degrees, within [-90, 90]
	Latitude float64 `json:"latitude" validate:"gte=-90,lte=90"`
}

// Viewport a geographic bounding box as seen by a map client.
//
// West > East is not an error; it marks a box wrapping the antimeridian, and
// longitude membership is then tested against both sub-intervals.
type Viewport struct {
	West  float64 `json:"west" validate:"gte=-180,lte=180"`
	South float64 `json:"south" validate:"gte=-90,lte=90"`
	East  float64 `json:"east" validate:"gte=-180,lte=180"`
	North float64 `json:"north" validate:"gte=-90,lte=90"`
}

// Validate verify the viewport invariants hold
func (v Viewport) Validate() error {
	if v.South > v.North {
		return fmt.Errorf("viewport south %f exceeds north %f", v.South, v.North)
	}
	if v.West < -180 || v.West > 180 || v.East < -180 || v.East > 180 {
		return fmt.Errorf("viewport longitude outside [-180, 180]")
	}
	if v.South < -90 || v.North > 90 {
		return fmt.Errorf("viewport latitude outside [-90, 90]")
	}
	return nil
}

// Contains check whether a point falls within the viewport
func (v Viewport) Contains(pt GeoPoint) bool {
	if pt.Latitude < v.South || pt.Latitude > v.North {
		return false
	}
	if v.West > v.East {
		// Wraps the antimeridian; the box covers [west, 180] and [-180, east]
		return pt.Longitude >= v.West || pt.Longitude <= v.East
	}
	return pt.Longitude >= v.West && pt.Longitude <= v.East
}

// Marker a geolocated marker snapshot
type Marker struct {
	ID       string          `json:"id" validate:"required"`
	Location GeoPoint        `json:"location"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// MarkerEventType enumerates the marker mutation event types
type MarkerEventType string

// Marker mutation event types emitted by the data layer
const (
	MarkerEventCreated MarkerEventType = "CREATED"
	MarkerEventUpdated MarkerEventType = "UPDATED"
	MarkerEventDeleted MarkerEventType = "DELETED"
)

// MarkerEvent notification that a marker was created, updated, or deleted.
// Transient; the engine never persists these.
type MarkerEvent struct {
	Type       MarkerEventType `json:"type" validate:"required,oneof=CREATED UPDATED DELETED"`
	Marker     Marker          `json:"marker" validate:"required"`
	ReceivedAt time.Time       `json:"received_at"`
}

// String produce ASCII representation
func (e MarkerEvent) String() string {
	return fmt.Sprintf("%s[%s]", e.Type, e.Marker.ID)
}

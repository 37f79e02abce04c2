package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestViewportValidate(t *testing.T) {
	assert := assert.New(t)

	// Case 1: normal box
	{
		uut := Viewport{West: -10, South: -10, East: 10, North: 10}
		assert.Nil(uut.Validate())
	}

	// Case 2: south above north
	{
		uut := Viewport{West: -10, South: 20, East: 10, North: 10}
		assert.NotNil(uut.Validate())
	}

	// Case 3: west above east is a wrapped box, not an error
	{
		uut := Viewport{West: 170, South: -10, East: -170, North: 10}
		assert.Nil(uut.Validate())
	}

	// Case 4: out of range longitude
	{
		uut := Viewport{West: -190, South: -10, East: 10, North: 10}
		assert.NotNil(uut.Validate())
	}
}

func TestViewportContains(t *testing.T) {
	assert := assert.New(t)

	// Case 1: plain box membership
	{
		uut := Viewport{West: -10, South: -10, East: 10, North: 10}
		assert.True(uut.Contains(GeoPoint{Longitude: 0, Latitude: 0}))
		assert.True(uut.Contains(GeoPoint{Longitude: 10, Latitude: -10}))
		assert.False(uut.Contains(GeoPoint{Longitude: 11, Latitude: 0}))
		assert.False(uut.Contains(GeoPoint{Longitude: 0, Latitude: 11}))
	}

	// Case 2: box wrapping the antimeridian
	{
		uut := Viewport{West: 170, South: -10, East: -170, North: 10}
		assert.True(uut.Contains(GeoPoint{Longitude: 175, Latitude: 0}))
		assert.True(uut.Contains(GeoPoint{Longitude: -175, Latitude: 0}))
		assert.True(uut.Contains(GeoPoint{Longitude: 180, Latitude: 0}))
		assert.False(uut.Contains(GeoPoint{Longitude: 0, Latitude: 0}))
		assert.False(uut.Contains(GeoPoint{Longitude: 175, Latitude: 20}))
	}

	// Case 3: degenerate box covering one point
	{
		uut := Viewport{West: 5, South: 5, East: 5, North: 5}
		assert.True(uut.Contains(GeoPoint{Longitude: 5, Latitude: 5}))
		assert.False(uut.Contains(GeoPoint{Longitude: 5.0001, Latitude: 5}))
	}
}

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// stubMatcher replies from a fixed table keyed by the raw query text
type stubMatcher struct {
	hits map[string]bool
	err  error
}

func (m stubMatcher) Match(
	ctxt context.Context, query json.RawMessage, event common.MarkerEvent,
) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.hits[string(query)], nil
}

func testMarkerEvent(longitude, latitude float64) common.MarkerEvent {
	return common.MarkerEvent{
		Type: common.MarkerEventCreated,
		Marker: common.Marker{
			ID:       uuid.New().String(),
			Location: common.GeoPoint{Longitude: longitude, Latitude: latitude},
			Payload:  json.RawMessage(`{"name":"test"}`),
		},
		ReceivedAt: time.Now(),
	}
}

func TestInterestResolverViewports(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp, err := common.GetNewTaskProcessorInstance("ut-registry", 16, utCtxt)
	assert.Nil(err)
	uut, err := DefineRegistrySet(tp, nil)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))

	// watcher sees the event point, bystander does not, anonymous never identified
	watcher, err := uut.Connections.Register(utCtxt)
	assert.Nil(err)
	assert.Nil(uut.Connections.Identify(utCtxt, watcher, uuid.New().String()))
	assert.Nil(uut.Connections.SetViewport(
		utCtxt, watcher, common.Viewport{West: -10, South: -10, East: 10, North: 10},
	))
	bystander, err := uut.Connections.Register(utCtxt)
	assert.Nil(err)
	assert.Nil(uut.Connections.Identify(utCtxt, bystander, uuid.New().String()))
	assert.Nil(uut.Connections.SetViewport(
		utCtxt, bystander, common.Viewport{West: 100, South: 40, East: 120, North: 60},
	))
	anonymous, err := uut.Connections.Register(utCtxt)
	assert.Nil(err)
	assert.Nil(uut.Connections.SetViewport(
		utCtxt, anonymous, common.Viewport{West: -10, South: -10, East: 10, North: 10},
	))

	// Case 1: only the identified connection with a containing viewport matches
	{
		interests, err := uut.Resolver.MatchEvent(utCtxt, testMarkerEvent(5, 5))
		assert.Nil(err)
		assert.Len(interests, 1)
		assert.Equal(watcher, interests[0].ConnectionID)
		assert.True(interests[0].ViaViewport)
		assert.Empty(interests[0].SubscriptionIDs)
	}

	// Case 2: no one cares about a far away event
	{
		interests, err := uut.Resolver.MatchEvent(utCtxt, testMarkerEvent(50, -30))
		assert.Nil(err)
		assert.Empty(interests)
	}

	// Case 3: viewport spanning the antimeridian
	{
		assert.Nil(uut.Connections.SetViewport(
			utCtxt, watcher, common.Viewport{West: 170, South: -10, East: -170, North: 10},
		))
		interests, err := uut.Resolver.MatchEvent(utCtxt, testMarkerEvent(175, 0))
		assert.Nil(err)
		assert.Len(interests, 1)
		assert.Equal(watcher, interests[0].ConnectionID)
		interests, err = uut.Resolver.MatchEvent(utCtxt, testMarkerEvent(-175, 0))
		assert.Nil(err)
		assert.Len(interests, 1)
		interests, err = uut.Resolver.MatchEvent(utCtxt, testMarkerEvent(0, 0))
		assert.Nil(err)
		assert.Empty(interests)
	}
}

func TestInterestResolverSubscriptions(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp, err := common.GetNewTaskProcessorInstance("ut-registry", 16, utCtxt)
	assert.Nil(err)
	matcher := stubMatcher{hits: map[string]bool{`{"tag":"food-truck"}`: true}}
	uut, err := DefineRegistrySet(tp, matcher)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))

	owner, err := uut.Connections.Register(utCtxt)
	assert.Nil(err)
	assert.Nil(uut.Connections.Identify(utCtxt, owner, uuid.New().String()))

	areaSub, err := uut.Subscriptions.Create(utCtxt, owner, SubscriptionFilter{
		Viewport: &common.Viewport{West: 20, South: 20, East: 40, North: 40},
	})
	assert.Nil(err)
	querySub, err := uut.Subscriptions.Create(utCtxt, owner, SubscriptionFilter{
		Query: json.RawMessage(`{"tag":"food-truck"}`),
	})
	assert.Nil(err)
	missSub, err := uut.Subscriptions.Create(utCtxt, owner, SubscriptionFilter{
		Query: json.RawMessage(`{"tag":"coffee"}`),
	})
	assert.Nil(err)
	assert.NotEmpty(missSub.ID)

	// Case 1: subscription-only interest, the live viewport is not involved
	{
		interests, err := uut.Resolver.MatchEvent(utCtxt, testMarkerEvent(30, 30))
		assert.Nil(err)
		assert.Len(interests, 1)
		assert.Equal(owner, interests[0].ConnectionID)
		assert.False(interests[0].ViaViewport)
		assert.Equal([]string{areaSub.ID, querySub.ID}, interests[0].SubscriptionIDs)
	}

	// Case 2: live viewport and subscriptions merge into one interest
	{
		assert.Nil(uut.Connections.SetViewport(
			utCtxt, owner, common.Viewport{West: 25, South: 25, East: 35, North: 35},
		))
		interests, err := uut.Resolver.MatchEvent(utCtxt, testMarkerEvent(30, 30))
		assert.Nil(err)
		assert.Len(interests, 1)
		assert.True(interests[0].ViaViewport)
		assert.Equal([]string{areaSub.ID, querySub.ID}, interests[0].SubscriptionIDs)
	}

	// Case 3: the query subscription alone still matches outside all viewports
	{
		interests, err := uut.Resolver.MatchEvent(utCtxt, testMarkerEvent(-60, -60))
		assert.Nil(err)
		assert.Len(interests, 1)
		assert.False(interests[0].ViaViewport)
		assert.Equal([]string{querySub.ID}, interests[0].SubscriptionIDs)
	}
}

func TestInterestResolverMatcherFailure(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp, err := common.GetNewTaskProcessorInstance("ut-registry", 16, utCtxt)
	assert.Nil(err)
	matcher := stubMatcher{err: fmt.Errorf("matcher offline")}
	uut, err := DefineRegistrySet(tp, matcher)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))

	owner, err := uut.Connections.Register(utCtxt)
	assert.Nil(err)
	assert.Nil(uut.Connections.Identify(utCtxt, owner, uuid.New().String()))
	areaSub, err := uut.Subscriptions.Create(utCtxt, owner, SubscriptionFilter{
		Viewport: &common.Viewport{West: -10, South: -10, East: 10, North: 10},
	})
	assert.Nil(err)
	_, err = uut.Subscriptions.Create(utCtxt, owner, SubscriptionFilter{
		Query: json.RawMessage(`{"tag":"food-truck"}`),
	})
	assert.Nil(err)

	// Case 1: a failing matcher drops only the semantic subscription
	{
		interests, err := uut.Resolver.MatchEvent(utCtxt, testMarkerEvent(0, 0))
		assert.Nil(err)
		assert.Len(interests, 1)
		assert.Equal([]string{areaSub.ID}, interests[0].SubscriptionIDs)
	}
}

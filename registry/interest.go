package registry

import (
	"context"
	"fmt"
	"reflect"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/apex/log"
)

// InterestResolver computes which connections care about a marker event
type InterestResolver interface {
	// MatchEvent fetch the de-duplicated interest set for one event: every
	// identified connection whose viewport contains the marker point, plus
	// every connection owning a subscription matching the event
	MatchEvent(ctxt context.Context, event common.MarkerEvent) ([]EventInterest, error)
}

// interestResolverImpl implements InterestResolver
type interestResolverImpl struct {
	common.Component
	tp      common.TaskProcessor
	state   *registryState
	matcher Matcher
}

// defineInterestResolver create new InterestResolver on the shared task
// processor. Running the match on the same event loop as the registry
// mutations means an interest set never reflects a half-applied change.
func defineInterestResolver(
	tp common.TaskProcessor, state *registryState, matcher Matcher,
) (InterestResolver, error) {
	logTags := log.Fields{
		"module": "registry", "component": "interest-resolver",
	}
	instance := interestResolverImpl{
		Component: common.Component{LogTags: logTags}, tp: tp, state: state, matcher: matcher,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(interestMatchReq{}), instance.processMatchRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type interestMatchReq struct {
	ctxt     context.Context
	event    common.MarkerEvent
	resultCB func(interests []EventInterest, err error)
}

// MatchEvent fetch the de-duplicated interest set for one event
func (r *interestResolverImpl) MatchEvent(
	ctxt context.Context, event common.MarkerEvent,
) ([]EventInterest, error) {
	resultChan := make(chan []EventInterest, 1)
	errorChan := make(chan error, 1)
	handler := func(interests []EventInterest, err error) {
		resultChan <- interests
		errorChan <- err
	}

	request := interestMatchReq{ctxt: ctxt, event: event, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to submit match for %s", event)
		return nil, err
	}

	select {
	case interests := <-resultChan:
		return interests, <-errorChan
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

func (r *interestResolverImpl) processMatchRequest(param interface{}) error {
	request, ok := param.(interestMatchReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for match event", reflect.TypeOf(param),
		)
	}
	interests, err := r.ProcessMatchRequest(request.ctxt, request.event)
	request.resultCB(interests, err)
	return nil
}

// ProcessMatchRequest compute the de-duplicated interest set for one event
func (r *interestResolverImpl) ProcessMatchRequest(
	ctxt context.Context, event common.MarkerEvent,
) ([]EventInterest, error) {
	combined := make(map[string]*EventInterest)

	// Live viewports of identified connections
	for connID, conn := range r.state.connections {
		if !conn.Identified() || conn.Viewport == nil {
			continue
		}
		if conn.Viewport.Contains(event.Marker.Location) {
			combined[connID] = &EventInterest{ConnectionID: connID, ViaViewport: true}
		}
	}

	// Persistent subscriptions, walked in creation order per connection
	for connID, subIDs := range r.state.subsByConn {
		for _, subID := range subIDs {
			record, ok := r.state.subscriptions[subID]
			if !ok {
				continue
			}
			matched := false
			if record.Filter.Viewport != nil {
				matched = record.Filter.Viewport.Contains(event.Marker.Location)
			} else if r.matcher != nil && len(record.Filter.Query) > 0 {
				hit, err := r.matcher.Match(ctxt, record.Filter.Query, event)
				if err != nil {
					log.WithError(err).WithFields(r.LogTags).Errorf(
						"Semantic match failed for subscription %s on %s", subID, event,
					)
					continue
				}
				matched = hit
			}
			if !matched {
				continue
			}
			interest, ok := combined[connID]
			if !ok {
				interest = &EventInterest{ConnectionID: connID}
				combined[connID] = interest
			}
			interest.SubscriptionIDs = append(interest.SubscriptionIDs, subID)
		}
	}

	result := make([]EventInterest, 0, len(combined))
	for _, interest := range combined {
		result = append(result, *interest)
	}
	return result, nil
}

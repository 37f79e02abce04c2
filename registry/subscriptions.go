package registry

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// SubscriptionRegistry stores persistent named filters whose lifetime is
// independent of the owning connection's live viewport
type SubscriptionRegistry interface {
	// Create record a new subscription for a connection
	Create(
		ctxt context.Context, connID string, filter SubscriptionFilter,
	) (Subscription, error)
	// Update replace the criteria of an existing subscription
	Update(
		ctxt context.Context, connID string, subID string, filter SubscriptionFilter,
	) (Subscription, error)
	// Delete remove a subscription
	Delete(ctxt context.Context, connID string, subID string) error
	// List fetch a connection's subscriptions in creation order
	List(ctxt context.Context, connID string) ([]Subscription, error)
}

// subscriptionRegistryImpl implements SubscriptionRegistry
type subscriptionRegistryImpl struct {
	common.Component
	tp    common.TaskProcessor
	state *registryState
}

// defineSubscriptionRegistry create new SubscriptionRegistry on the shared task processor
func defineSubscriptionRegistry(
	tp common.TaskProcessor, state *registryState,
) (SubscriptionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "subscriptions",
	}
	instance := subscriptionRegistryImpl{
		Component: common.Component{LogTags: logTags}, tp: tp, state: state,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(subCreateReq{}), instance.processCreateRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(subUpdateReq{}), instance.processUpdateRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(subDeleteReq{}), instance.processDeleteRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(subListReq{}), instance.processListRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type subCreateReq struct {
	timestamp time.Time
	connID    string
	filter    SubscriptionFilter
	resultCB  func(record Subscription, err error)
}

// Create record a new subscription for a connection
func (r *subscriptionRegistryImpl) Create(
	ctxt context.Context, connID string, filter SubscriptionFilter,
) (Subscription, error) {
	resultChan := make(chan Subscription, 1)
	errorChan := make(chan error, 1)
	handler := func(record Subscription, err error) {
		resultChan <- record
		errorChan <- err
	}

	request := subCreateReq{
		timestamp: time.Now(), connID: connID, filter: filter, resultCB: handler,
	}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit create-subscription request")
		return Subscription{}, err
	}

	select {
	case record := <-resultChan:
		return record, <-errorChan
	case <-ctxt.Done():
		return Subscription{}, ctxt.Err()
	}
}

func (r *subscriptionRegistryImpl) processCreateRequest(param interface{}) error {
	request, ok := param.(subCreateReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for create subscription", reflect.TypeOf(param),
		)
	}
	record, err := r.ProcessCreateRequest(request.connID, request.filter, request.timestamp)
	request.resultCB(record, err)
	return nil
}

// ProcessCreateRequest record a new subscription for a connection
func (r *subscriptionRegistryImpl) ProcessCreateRequest(
	connID string, filter SubscriptionFilter, timestamp time.Time,
) (Subscription, error) {
	if _, ok := r.state.connections[connID]; !ok {
		return Subscription{}, ErrUnknownConnection
	}
	subID := uuid.New().String()
	record := &Subscription{
		ID:           subID,
		ConnectionID: connID,
		Filter:       filter,
		CreatedAt:    timestamp,
		UpdatedAt:    timestamp,
	}
	r.state.subscriptions[subID] = record
	r.state.subsByConn[connID] = append(r.state.subsByConn[connID], subID)
	log.WithFields(r.LogTags).Infof("Connection %s created subscription %s", connID, subID)
	return *record, nil
}

// ----------------------------------------------------------------------------------------

type subUpdateReq struct {
	timestamp time.Time
	connID    string
	subID     string
	filter    SubscriptionFilter
	resultCB  func(record Subscription, err error)
}

// Update replace the criteria of an existing subscription
func (r *subscriptionRegistryImpl) Update(
	ctxt context.Context, connID string, subID string, filter SubscriptionFilter,
) (Subscription, error) {
	resultChan := make(chan Subscription, 1)
	errorChan := make(chan error, 1)
	handler := func(record Subscription, err error) {
		resultChan <- record
		errorChan <- err
	}

	request := subUpdateReq{
		timestamp: time.Now(), connID: connID, subID: subID, filter: filter, resultCB: handler,
	}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit update-subscription request")
		return Subscription{}, err
	}

	select {
	case record := <-resultChan:
		return record, <-errorChan
	case <-ctxt.Done():
		return Subscription{}, ctxt.Err()
	}
}

func (r *subscriptionRegistryImpl) processUpdateRequest(param interface{}) error {
	request, ok := param.(subUpdateReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for update subscription", reflect.TypeOf(param),
		)
	}
	record, err := r.ProcessUpdateRequest(
		request.connID, request.subID, request.filter, request.timestamp,
	)
	request.resultCB(record, err)
	return nil
}

// ProcessUpdateRequest replace the criteria of an existing subscription
func (r *subscriptionRegistryImpl) ProcessUpdateRequest(
	connID string, subID string, filter SubscriptionFilter, timestamp time.Time,
) (Subscription, error) {
	record, ok := r.state.subscriptions[subID]
	if !ok {
		return Subscription{}, ErrSubscriptionNotFound
	}
	if record.ConnectionID != connID {
		return Subscription{}, ErrNotOwner
	}
	record.Filter = filter
	record.UpdatedAt = timestamp
	log.WithFields(r.LogTags).Infof("Connection %s updated subscription %s", connID, subID)
	return *record, nil
}

// ----------------------------------------------------------------------------------------

type subDeleteReq struct {
	connID   string
	subID    string
	resultCB func(err error)
}

// Delete remove a subscription
func (r *subscriptionRegistryImpl) Delete(
	ctxt context.Context, connID string, subID string,
) error {
	resultChan := make(chan error, 1)
	handler := func(err error) {
		resultChan <- err
	}

	request := subDeleteReq{connID: connID, subID: subID, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit delete-subscription request")
		return err
	}

	select {
	case err := <-resultChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (r *subscriptionRegistryImpl) processDeleteRequest(param interface{}) error {
	request, ok := param.(subDeleteReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for delete subscription", reflect.TypeOf(param),
		)
	}
	request.resultCB(r.ProcessDeleteRequest(request.connID, request.subID))
	return nil
}

// ProcessDeleteRequest remove a subscription
func (r *subscriptionRegistryImpl) ProcessDeleteRequest(connID string, subID string) error {
	record, ok := r.state.subscriptions[subID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if record.ConnectionID != connID {
		return ErrNotOwner
	}
	delete(r.state.subscriptions, subID)
	ordered := r.state.subsByConn[connID]
	for idx, candidate := range ordered {
		if candidate == subID {
			r.state.subsByConn[connID] = append(ordered[:idx], ordered[idx+1:]...)
			break
		}
	}
	log.WithFields(r.LogTags).Infof("Connection %s deleted subscription %s", connID, subID)
	return nil
}

// ----------------------------------------------------------------------------------------

type subListReq struct {
	connID   string
	resultCB func(records []Subscription, err error)
}

// List fetch a connection's subscriptions in creation order
func (r *subscriptionRegistryImpl) List(
	ctxt context.Context, connID string,
) ([]Subscription, error) {
	resultChan := make(chan []Subscription, 1)
	errorChan := make(chan error, 1)
	handler := func(records []Subscription, err error) {
		resultChan <- records
		errorChan <- err
	}

	request := subListReq{connID: connID, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit list-subscriptions request")
		return nil, err
	}

	select {
	case records := <-resultChan:
		return records, <-errorChan
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

func (r *subscriptionRegistryImpl) processListRequest(param interface{}) error {
	request, ok := param.(subListReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for list subscriptions", reflect.TypeOf(param),
		)
	}
	records := make([]Subscription, 0, len(r.state.subsByConn[request.connID]))
	for _, subID := range r.state.subsByConn[request.connID] {
		if record, ok := r.state.subscriptions[subID]; ok {
			records = append(records, *record)
		}
	}
	request.resultCB(records, nil)
	return nil
}

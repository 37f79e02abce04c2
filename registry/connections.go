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

// ConnectionRegistry tracks live connections, their identification state, and
// their current viewport
type ConnectionRegistry interface {
	// Register record a newly accepted connection
	Register(ctxt context.Context) (string, error)
	// Identify bind a user id to the connection; fails on repeat calls
	Identify(ctxt context.Context, connID string, userID string) error
	// SetViewport replace the connection's current viewport with a new one
	SetViewport(ctxt context.Context, connID string, viewport common.Viewport) error
	// Get fetch a copy of the connection record
	Get(ctxt context.Context, connID string) (Connection, error)
	// Remove drop the connection and cascade through session membership and
	// subscriptions. Idempotent; removing an unknown id is a no-op.
	Remove(ctxt context.Context, connID string) (CleanupObligations, error)
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	tp    common.TaskProcessor
	state *registryState
}

// defineConnectionRegistry create new ConnectionRegistry on the shared task processor
func defineConnectionRegistry(
	tp common.TaskProcessor, state *registryState,
) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "connections",
	}
	instance := connectionRegistryImpl{
		Component: common.Component{LogTags: logTags}, tp: tp, state: state,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(connRegisterReq{}), instance.processRegisterRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(connIdentifyReq{}), instance.processIdentifyRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(connSetViewportReq{}), instance.processSetViewportRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(connGetReq{}), instance.processGetRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(connRemoveReq{}), instance.processRemoveRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type connRegisterReq struct {
	timestamp time.Time
	resultCB  func(connID string, err error)
}

// Register record a newly accepted connection
func (r *connectionRegistryImpl) Register(ctxt context.Context) (string, error) {
	resultChan := make(chan string, 1)
	errorChan := make(chan error, 1)
	handler := func(connID string, err error) {
		resultChan <- connID
		errorChan <- err
	}

	request := connRegisterReq{timestamp: time.Now(), resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit register request")
		return "", err
	}

	select {
	case connID := <-resultChan:
		return connID, <-errorChan
	case <-ctxt.Done():
		return "", ctxt.Err()
	}
}

func (r *connectionRegistryImpl) processRegisterRequest(param interface{}) error {
	request, ok := param.(connRegisterReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for register connection", reflect.TypeOf(param),
		)
	}
	connID := uuid.New().String()
	r.state.connections[connID] = &Connection{ID: connID, RegisteredAt: request.timestamp}
	log.WithFields(r.LogTags).Debugf("Registered connection %s", connID)
	request.resultCB(connID, nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type connIdentifyReq struct {
	connID   string
	userID   string
	resultCB func(err error)
}

// Identify bind a user id to the connection
func (r *connectionRegistryImpl) Identify(
	ctxt context.Context, connID string, userID string,
) error {
	resultChan := make(chan error, 1)
	handler := func(err error) {
		resultChan <- err
	}

	request := connIdentifyReq{connID: connID, userID: userID, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit identify request")
		return err
	}

	select {
	case err := <-resultChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (r *connectionRegistryImpl) processIdentifyRequest(param interface{}) error {
	request, ok := param.(connIdentifyReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for identify connection", reflect.TypeOf(param),
		)
	}
	request.resultCB(r.ProcessIdentifyRequest(request.connID, request.userID))
	return nil
}

// ProcessIdentifyRequest bind a user id to the connection
func (r *connectionRegistryImpl) ProcessIdentifyRequest(connID string, userID string) error {
	conn, ok := r.state.connections[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if conn.Identified() {
		return ErrAlreadyIdentified
	}
	conn.UserID = userID
	log.WithFields(r.LogTags).Infof("Connection %s identified as user %s", connID, userID)
	return nil
}

// ----------------------------------------------------------------------------------------

type connSetViewportReq struct {
	connID   string
	viewport common.Viewport
	resultCB func(err error)
}

// SetViewport replace the connection's current viewport with a new one. The
// registry always reflects the most recent value immediately; any debounce of
// downstream recomputation lives in the dispatch layer.
func (r *connectionRegistryImpl) SetViewport(
	ctxt context.Context, connID string, viewport common.Viewport,
) error {
	resultChan := make(chan error, 1)
	handler := func(err error) {
		resultChan <- err
	}

	request := connSetViewportReq{connID: connID, viewport: viewport, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit set-viewport request")
		return err
	}

	select {
	case err := <-resultChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (r *connectionRegistryImpl) processSetViewportRequest(param interface{}) error {
	request, ok := param.(connSetViewportReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for set viewport", reflect.TypeOf(param),
		)
	}
	request.resultCB(r.ProcessSetViewportRequest(request.connID, request.viewport))
	return nil
}

// ProcessSetViewportRequest replace the connection's current viewport
func (r *connectionRegistryImpl) ProcessSetViewportRequest(
	connID string, viewport common.Viewport,
) error {
	conn, ok := r.state.connections[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if err := viewport.Validate(); err != nil {
		return err
	}
	conn.Viewport = &viewport
	log.WithFields(r.LogTags).Debugf(
		"Connection %s viewport now [%f %f %f %f]",
		connID, viewport.West, viewport.South, viewport.East, viewport.North,
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type connGetReq struct {
	connID   string
	resultCB func(conn Connection, err error)
}

// Get fetch a copy of the connection record
func (r *connectionRegistryImpl) Get(ctxt context.Context, connID string) (Connection, error) {
	resultChan := make(chan Connection, 1)
	errorChan := make(chan error, 1)
	handler := func(conn Connection, err error) {
		resultChan <- conn
		errorChan <- err
	}

	request := connGetReq{connID: connID, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit get-connection request")
		return Connection{}, err
	}

	select {
	case conn := <-resultChan:
		return conn, <-errorChan
	case <-ctxt.Done():
		return Connection{}, ctxt.Err()
	}
}

func (r *connectionRegistryImpl) processGetRequest(param interface{}) error {
	request, ok := param.(connGetReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for get connection", reflect.TypeOf(param),
		)
	}
	conn, ok := r.state.connections[request.connID]
	if !ok {
		request.resultCB(Connection{}, ErrUnknownConnection)
		return nil
	}
	request.resultCB(*conn, nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type connRemoveReq struct {
	connID   string
	resultCB func(obligations CleanupObligations, err error)
}

// Remove drop the connection. The session membership and subscription cascade
// runs within the same event-loop pass, so no registry can observe the
// connection half removed.
func (r *connectionRegistryImpl) Remove(
	ctxt context.Context, connID string,
) (CleanupObligations, error) {
	resultChan := make(chan CleanupObligations, 1)
	errorChan := make(chan error, 1)
	handler := func(obligations CleanupObligations, err error) {
		resultChan <- obligations
		errorChan <- err
	}

	request := connRemoveReq{connID: connID, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit remove request")
		return CleanupObligations{}, err
	}

	select {
	case obligations := <-resultChan:
		return obligations, <-errorChan
	case <-ctxt.Done():
		return CleanupObligations{}, ctxt.Err()
	}
}

func (r *connectionRegistryImpl) processRemoveRequest(param interface{}) error {
	request, ok := param.(connRemoveReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for remove connection", reflect.TypeOf(param),
		)
	}
	obligations, err := r.ProcessRemoveRequest(request.connID)
	request.resultCB(obligations, err)
	return err
}

// ProcessRemoveRequest drop the connection and cascade
func (r *connectionRegistryImpl) ProcessRemoveRequest(connID string) (CleanupObligations, error) {
	if _, ok := r.state.connections[connID]; !ok {
		// Repeat removal is a no-op
		return CleanupObligations{}, nil
	}
	obligations := CleanupObligations{
		Session:              r.state.dropSessionMember(connID),
		SubscriptionsDeleted: r.state.dropConnectionSubscriptions(connID),
	}
	delete(r.state.connections, connID)
	log.WithFields(r.LogTags).Infof(
		"Removed connection %s (session '%s', %d subscriptions dropped)",
		connID, obligations.Session.SessionID, len(obligations.SubscriptionsDeleted),
	)
	return obligations, nil
}

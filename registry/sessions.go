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

// SessionRegistry groups connections into collaborative sessions
type SessionRegistry interface {
	// Create open a new session with an empty member set
	Create(ctxt context.Context) (string, error)
	// Join add a connection to a session. A connection bound to another
	// session must leave it first; the registry never auto-transfers.
	Join(ctxt context.Context, sessionID string, connID string) (int, error)
	// Leave detach a connection from its session; no-op when it has none.
	// When the last member leaves the session is deleted outright.
	Leave(ctxt context.Context, connID string) (SessionChange, error)
	// Clear drop all members' association and delete the session
	Clear(ctxt context.Context, sessionID string) ([]string, error)
	// Members list the current member connection ids of a session
	Members(ctxt context.Context, sessionID string) ([]string, error)
}

// sessionRegistryImpl implements SessionRegistry
type sessionRegistryImpl struct {
	common.Component
	tp    common.TaskProcessor
	state *registryState
}

// defineSessionRegistry create new SessionRegistry on the shared task processor
func defineSessionRegistry(
	tp common.TaskProcessor, state *registryState,
) (SessionRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "sessions",
	}
	instance := sessionRegistryImpl{
		Component: common.Component{LogTags: logTags}, tp: tp, state: state,
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(sessionCreateReq{}), instance.processCreateRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(sessionJoinReq{}), instance.processJoinRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(sessionLeaveReq{}), instance.processLeaveRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(sessionClearReq{}), instance.processClearRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(sessionMembersReq{}), instance.processMembersRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type sessionCreateReq struct {
	timestamp time.Time
	resultCB  func(sessionID string, err error)
}

// Create open a new session with an empty member set
func (r *sessionRegistryImpl) Create(ctxt context.Context) (string, error) {
	resultChan := make(chan string, 1)
	errorChan := make(chan error, 1)
	handler := func(sessionID string, err error) {
		resultChan <- sessionID
		errorChan <- err
	}

	request := sessionCreateReq{timestamp: time.Now(), resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit create-session request")
		return "", err
	}

	select {
	case sessionID := <-resultChan:
		return sessionID, <-errorChan
	case <-ctxt.Done():
		return "", ctxt.Err()
	}
}

func (r *sessionRegistryImpl) processCreateRequest(param interface{}) error {
	request, ok := param.(sessionCreateReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for create session", reflect.TypeOf(param),
		)
	}
	sessionID := uuid.New().String()
	r.state.sessions[sessionID] = &Session{
		ID: sessionID, Members: make(map[string]bool), CreatedAt: request.timestamp,
	}
	log.WithFields(r.LogTags).Infof("Created session %s", sessionID)
	request.resultCB(sessionID, nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type sessionJoinReq struct {
	sessionID string
	connID    string
	resultCB  func(memberCount int, err error)
}

// Join add a connection to a session
func (r *sessionRegistryImpl) Join(
	ctxt context.Context, sessionID string, connID string,
) (int, error) {
	resultChan := make(chan int, 1)
	errorChan := make(chan error, 1)
	handler := func(memberCount int, err error) {
		resultChan <- memberCount
		errorChan <- err
	}

	request := sessionJoinReq{sessionID: sessionID, connID: connID, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit join-session request")
		return 0, err
	}

	select {
	case memberCount := <-resultChan:
		return memberCount, <-errorChan
	case <-ctxt.Done():
		return 0, ctxt.Err()
	}
}

func (r *sessionRegistryImpl) processJoinRequest(param interface{}) error {
	request, ok := param.(sessionJoinReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for join session", reflect.TypeOf(param),
		)
	}
	memberCount, err := r.ProcessJoinRequest(request.sessionID, request.connID)
	request.resultCB(memberCount, err)
	return nil
}

// ProcessJoinRequest add a connection to a session
func (r *sessionRegistryImpl) ProcessJoinRequest(sessionID string, connID string) (int, error) {
	conn, ok := r.state.connections[connID]
	if !ok {
		return 0, ErrUnknownConnection
	}
	session, ok := r.state.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	if conn.SessionID != "" {
		return 0, ErrAlreadyInSession
	}
	conn.SessionID = sessionID
	session.Members[connID] = true
	log.WithFields(r.LogTags).Infof(
		"Connection %s joined session %s (%d members)", connID, sessionID, len(session.Members),
	)
	return len(session.Members), nil
}

// ----------------------------------------------------------------------------------------

type sessionLeaveReq struct {
	connID   string
	resultCB func(change SessionChange, err error)
}

// Leave detach a connection from its session
func (r *sessionRegistryImpl) Leave(
	ctxt context.Context, connID string,
) (SessionChange, error) {
	resultChan := make(chan SessionChange, 1)
	errorChan := make(chan error, 1)
	handler := func(change SessionChange, err error) {
		resultChan <- change
		errorChan <- err
	}

	request := sessionLeaveReq{connID: connID, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit leave-session request")
		return SessionChange{}, err
	}

	select {
	case change := <-resultChan:
		return change, <-errorChan
	case <-ctxt.Done():
		return SessionChange{}, ctxt.Err()
	}
}

func (r *sessionRegistryImpl) processLeaveRequest(param interface{}) error {
	request, ok := param.(sessionLeaveReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for leave session", reflect.TypeOf(param),
		)
	}
	change := r.state.dropSessionMember(request.connID)
	if change.SessionID != "" {
		log.WithFields(r.LogTags).Infof(
			"Connection %s left session %s (deleted: %v)",
			request.connID, change.SessionID, change.Deleted,
		)
	}
	request.resultCB(change, nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type sessionClearReq struct {
	sessionID string
	resultCB  func(members []string, err error)
}

// Clear drop all members' association and delete the session
func (r *sessionRegistryImpl) Clear(
	ctxt context.Context, sessionID string,
) ([]string, error) {
	resultChan := make(chan []string, 1)
	errorChan := make(chan error, 1)
	handler := func(members []string, err error) {
		resultChan <- members
		errorChan <- err
	}

	request := sessionClearReq{sessionID: sessionID, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit clear-session request")
		return nil, err
	}

	select {
	case members := <-resultChan:
		return members, <-errorChan
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

func (r *sessionRegistryImpl) processClearRequest(param interface{}) error {
	request, ok := param.(sessionClearReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for clear session", reflect.TypeOf(param),
		)
	}
	members, err := r.ProcessClearRequest(request.sessionID)
	request.resultCB(members, err)
	return nil
}

// ProcessClearRequest drop all members' association and delete the session
func (r *sessionRegistryImpl) ProcessClearRequest(sessionID string) ([]string, error) {
	session, ok := r.state.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	members := memberList(session)
	for _, member := range members {
		if conn, ok := r.state.connections[member]; ok {
			conn.SessionID = ""
		}
	}
	delete(r.state.sessions, sessionID)
	log.WithFields(r.LogTags).Infof("Cleared session %s (%d members)", sessionID, len(members))
	return members, nil
}

// ----------------------------------------------------------------------------------------

type sessionMembersReq struct {
	sessionID string
	resultCB  func(members []string, err error)
}

// Members list the current member connection ids of a session
func (r *sessionRegistryImpl) Members(
	ctxt context.Context, sessionID string,
) ([]string, error) {
	resultChan := make(chan []string, 1)
	errorChan := make(chan error, 1)
	handler := func(members []string, err error) {
		resultChan <- members
		errorChan <- err
	}

	request := sessionMembersReq{sessionID: sessionID, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit session-members request")
		return nil, err
	}

	select {
	case members := <-resultChan:
		return members, <-errorChan
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

func (r *sessionRegistryImpl) processMembersRequest(param interface{}) error {
	request, ok := param.(sessionMembersReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session members", reflect.TypeOf(param),
		)
	}
	session, ok := r.state.sessions[request.sessionID]
	if !ok {
		request.resultCB(nil, ErrSessionNotFound)
		return nil
	}
	request.resultCB(memberList(session), nil)
	return nil
}

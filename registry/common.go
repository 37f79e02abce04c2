package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
)

// Registry operation failures the dispatch layer maps to wire errors
var (
	// ErrUnknownConnection the connection id is stale or never registered
	ErrUnknownConnection = fmt.Errorf("unknown connection")
	// ErrAlreadyIdentified the connection has already completed identification
	ErrAlreadyIdentified = fmt.Errorf("connection already identified")
	// ErrNotIdentified the connection has not completed identification
	ErrNotIdentified = fmt.Errorf("connection not identified")
	// ErrSessionNotFound no session with the given id
	ErrSessionNotFound = fmt.Errorf("session not found")
	// ErrAlreadyInSession the connection is already bound to a session
	ErrAlreadyInSession = fmt.Errorf("connection already in a session")
	// ErrSubscriptionNotFound no subscription with the given id
	ErrSubscriptionNotFound = fmt.Errorf("subscription not found")
	// ErrNotOwner the subscription belongs to another connection
	ErrNotOwner = fmt.Errorf("subscription owned by another connection")
)

// Connection record of one live client connection. The transport handle stays
// with the dispatch layer; the registry tracks state only.
type Connection struct {
	ID string `json:"id"`
	// UserID is empty until the connection identifies
	UserID string `json:"user_id,omitempty"`
	// Viewport is nil until the client reports one
	Viewport *common.Viewport `json:"viewport,omitempty"`
	// SessionID is empty when the connection is in no session
	SessionID    string    `json:"session_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Identified whether the connection completed identification
func (c Connection) Identified() bool {
	return c.UserID != ""
}

// Session record of one collaborative session
type Session struct {
	ID        string          `json:"id"`
	Members   map[string]bool `json:"members"`
	CreatedAt time.Time       `json:"created_at"`
}

// SubscriptionFilter criteria of a persistent subscription; exactly one of
// the two fields is set
type SubscriptionFilter struct {
	Viewport *common.Viewport `json:"viewport,omitempty"`
	// Query is opaque; an external Matcher interprets it
	Query json.RawMessage `json:"query,omitempty"`
}

// Subscription record of one persistent named filter
type Subscription struct {
	ID           string             `json:"id"`
	ConnectionID string             `json:"connection_id"`
	Filter       SubscriptionFilter `json:"filter"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// SessionChange outcome of a membership change
type SessionChange struct {
	// SessionID the affected session; empty when nothing changed
	SessionID string
	// Remaining member ids still in the session afterward
	Remaining []string
	// Deleted set when the change removed the last member and the session
	// and its job history are gone
	Deleted bool
}

// CleanupObligations follow-up work owed after removing a connection. The
// registries have already dropped their own records; the dispatch layer must
// settle the cross component effects (pending broadcasts, job cancellation,
// member count fan-out).
type CleanupObligations struct {
	// Session the membership change caused by the removal, if any
	Session SessionChange
	// SubscriptionsDeleted ids of the subscriptions that were cascaded away
	SubscriptionsDeleted []string
}

// EventInterest one connection's claim on a marker event
type EventInterest struct {
	ConnectionID string
	// ViaViewport set when the live viewport matched the event
	ViaViewport bool
	// SubscriptionIDs persistent subscriptions that matched the event
	SubscriptionIDs []string
}

// Matcher external collaborator evaluating opaque semantic subscription
// queries against marker events. Called from the registry event loop, so
// implementations must return promptly and bound any remote call with a
// short timeout.
type Matcher interface {
	Match(ctxt context.Context, query json.RawMessage, event common.MarkerEvent) (bool, error)
}

// ==============================================================================

// registryState tables shared by the registries. Only handlers running on the
// shared task processor touch these, so a removal cascade spanning all three
// tables happens within one event-loop pass.
type registryState struct {
	connections   map[string]*Connection
	sessions      map[string]*Session
	subscriptions map[string]*Subscription
	// subsByConn per connection subscription ids in creation order
	subsByConn map[string][]string
}

// dropSessionMember detach a connection from its session, deleting the
// session when its last member leaves
func (s *registryState) dropSessionMember(connID string) SessionChange {
	conn, ok := s.connections[connID]
	if !ok || conn.SessionID == "" {
		return SessionChange{}
	}
	sessionID := conn.SessionID
	conn.SessionID = ""
	session, ok := s.sessions[sessionID]
	if !ok {
		return SessionChange{}
	}
	delete(session.Members, connID)
	change := SessionChange{SessionID: sessionID, Remaining: memberList(session)}
	if len(session.Members) == 0 {
		delete(s.sessions, sessionID)
		change.Deleted = true
	}
	return change
}

// dropConnectionSubscriptions cascade-delete all subscriptions of a connection
func (s *registryState) dropConnectionSubscriptions(connID string) []string {
	removed := s.subsByConn[connID]
	for _, subID := range removed {
		delete(s.subscriptions, subID)
	}
	delete(s.subsByConn, connID)
	return removed
}

func memberList(session *Session) []string {
	result := make([]string, 0, len(session.Members))
	for member := range session.Members {
		result = append(result, member)
	}
	return result
}

// ==============================================================================

// RegistrySet the shared-state registries operating on one task processor
type RegistrySet struct {
	Connections   ConnectionRegistry
	Sessions      SessionRegistry
	Subscriptions SubscriptionRegistry
	Resolver      InterestResolver
}

// DefineRegistrySet create the connection, session, and subscription
// registries against one shared task processor. Sharing the processor is what
// makes the disconnect cascade atomic across all three registries.
func DefineRegistrySet(
	tp common.TaskProcessor, matcher Matcher,
) (RegistrySet, error) {
	state := &registryState{
		connections:   make(map[string]*Connection),
		sessions:      make(map[string]*Session),
		subscriptions: make(map[string]*Subscription),
		subsByConn:    make(map[string][]string),
	}
	connections, err := defineConnectionRegistry(tp, state)
	if err != nil {
		return RegistrySet{}, err
	}
	sessions, err := defineSessionRegistry(tp, state)
	if err != nil {
		return RegistrySet{}, err
	}
	subscriptions, err := defineSubscriptionRegistry(tp, state)
	if err != nil {
		return RegistrySet{}, err
	}
	resolver, err := defineInterestResolver(tp, state, matcher)
	if err != nil {
		return RegistrySet{}, err
	}
	return RegistrySet{
		Connections:   connections,
		Sessions:      sessions,
		Subscriptions: subscriptions,
		Resolver:      resolver,
	}, nil
}

package protocol

import (
	"encoding/json"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
)

// MessageType enumerates the wire message envelope types
type MessageType string

// Client to engine message types
const (
	MsgClientIdentification MessageType = "CLIENT_IDENTIFICATION"
	MsgViewportUpdate       MessageType = "VIEWPORT_UPDATE"
	MsgCreateSession        MessageType = "CREATE_SESSION"
	MsgJoinSession          MessageType = "JOIN_SESSION"
	MsgClearSession         MessageType = "CLEAR_SESSION"
	MsgAddJob               MessageType = "ADD_JOB"
	MsgCancelJob            MessageType = "CANCEL_JOB"
	MsgCreateSubscription   MessageType = "CREATE_SUBSCRIPTION"
	MsgUpdateSubscription   MessageType = "UPDATE_SUBSCRIPTION"
	MsgDeleteSubscription   MessageType = "DELETE_SUBSCRIPTION"
	MsgListSubscriptions    MessageType = "LIST_SUBSCRIPTIONS"
)

// Engine to client message types
const (
	MsgConnectionEstablished MessageType = "CONNECTION_ESTABLISHED"
	MsgViewportUpdated       MessageType = "VIEWPORT_UPDATED"
	MsgInitialMarkers        MessageType = "INITIAL_MARKERS"
	MsgMarkerCreated         MessageType = "MARKER_CREATED"
	MsgMarkerUpdated         MessageType = "MARKER_UPDATED"
	MsgMarkerDeleted         MessageType = "MARKER_DELETED"
	MsgMarkerUpdatesBatch    MessageType = "MARKER_UPDATES_BATCH"
	MsgSessionCreated        MessageType = "SESSION_CREATED"
	MsgSessionJoined         MessageType = "SESSION_JOINED"
	MsgSessionUpdate         MessageType = "SESSION_UPDATE"
	MsgJobAdded              MessageType = "JOB_ADDED"
	MsgJobUpdate             MessageType = "JOB_UPDATE"
	MsgSubscriptionCreated   MessageType = "SUBSCRIPTION_CREATED"
	MsgSubscriptionUpdated   MessageType = "SUBSCRIPTION_UPDATED"
	MsgSubscriptionDeleted   MessageType = "SUBSCRIPTION_DELETED"
	MsgSubscriptionsList     MessageType = "SUBSCRIPTIONS_LIST"
	MsgMapEvents             MessageType = "MAP_EVENTS"
	MsgError                 MessageType = "ERROR"
	MsgDebugEvent            MessageType = "DEBUG_EVENT"
)

// Wire ERROR payload codes
const (
	ErrCodeDecode            = "decode_error"
	ErrCodeProtocolViolation = "protocol_violation"
	ErrCodeInvalidUserID     = "invalid_user_id"
	ErrCodeNotFound          = "not_found"
	ErrCodeConflict          = "conflict"
	ErrCodeInternal          = "internal"
)

// Envelope the wire message envelope
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ==============================================================================
// Client to engine payloads

// ClientIdentification payload of CLIENT_IDENTIFICATION
type ClientIdentification struct {
	// UserID must be a canonical version-4 UUID
	UserID string `json:"userId" validate:"required"`
}

// ViewportUpdate payload of VIEWPORT_UPDATE. Pointers distinguish an absent
// field from a legitimate zero coordinate.
type ViewportUpdate struct {
	West  *float64 `json:"west" validate:"required"`
	South *float64 `json:"south" validate:"required"`
	East  *float64 `json:"east" validate:"required"`
	North *float64 `json:"north" validate:"required"`
}

// Viewport convert to the common viewport representation
func (u ViewportUpdate) Viewport() common.Viewport {
	return common.Viewport{West: *u.West, South: *u.South, East: *u.East, North: *u.North}
}

// CreateSession payload of CREATE_SESSION
type CreateSession struct{}

// JoinSession payload of JOIN_SESSION
type JoinSession struct {
	SessionID string `json:"sessionId" validate:"required"`
}

// ClearSession payload of CLEAR_SESSION
type ClearSession struct {
	SessionID string `json:"sessionId" validate:"required"`
}

// AddJob payload of ADD_JOB
type AddJob struct {
	SessionID string `json:"sessionId" validate:"required"`
	// JobSpec is opaque to the engine; the execution collaborator interprets it
	JobSpec json.RawMessage `json:"jobSpec" validate:"required"`
}

// CancelJob payload of CANCEL_JOB
type CancelJob struct {
	JobID string `json:"jobId" validate:"required"`
}

// SubscriptionCriteria filter criteria of a persistent subscription. Exactly
// one of Viewport or Query must be set.
type SubscriptionCriteria struct {
	Viewport *common.Viewport `json:"viewport,omitempty"`
	// Query is an opaque semantic query payload matched by an external collaborator
	Query json.RawMessage `json:"query,omitempty"`
}

// CreateSubscription payload of CREATE_SUBSCRIPTION
type CreateSubscription struct {
	Criteria *SubscriptionCriteria `json:"criteria" validate:"required"`
}

// UpdateSubscription payload of UPDATE_SUBSCRIPTION
type UpdateSubscription struct {
	SubscriptionID string                `json:"subscriptionId" validate:"required"`
	Criteria       *SubscriptionCriteria `json:"criteria" validate:"required"`
}

// DeleteSubscription payload of DELETE_SUBSCRIPTION
type DeleteSubscription struct {
	SubscriptionID string `json:"subscriptionId" validate:"required"`
}

// ListSubscriptions payload of LIST_SUBSCRIPTIONS
type ListSubscriptions struct{}

// ==============================================================================
// Engine to client payloads

// ConnectionEstablished payload of CONNECTION_ESTABLISHED
type ConnectionEstablished struct {
	ConnectionID string `json:"connectionId"`
}

// ViewportUpdated payload of VIEWPORT_UPDATED
type ViewportUpdated struct{}

// InitialMarkers payload of INITIAL_MARKERS
type InitialMarkers struct {
	Markers []common.Marker `json:"markers"`
}

// MarkerDeleted payload of MARKER_DELETED; the id is all a delete carries
type MarkerDeleted struct {
	ID string `json:"id"`
}

// MarkerUpdate one entry of a MARKER_UPDATES_BATCH or MAP_EVENTS push
type MarkerUpdate struct {
	Type   common.MarkerEventType `json:"type"`
	Marker common.Marker          `json:"marker"`
}

// MarkerUpdatesBatch payload of MARKER_UPDATES_BATCH; entries preserve the
// arrival order of the underlying events
type MarkerUpdatesBatch struct {
	Updates []MarkerUpdate `json:"updates"`
}

// SessionStatus payload of SESSION_CREATED / SESSION_JOINED / SESSION_UPDATE
type SessionStatus struct {
	SessionID   string `json:"sessionId"`
	MemberCount int    `json:"memberCount"`
}

// JobAdded payload of JOB_ADDED
type JobAdded struct {
	JobID string `json:"jobId"`
}

// JobUpdate payload of JOB_UPDATE, covering progress and terminal reports
type JobUpdate struct {
	JobID  string          `json:"jobId"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// SubscriptionRecord wire form of one persistent subscription
type SubscriptionRecord struct {
	ID        string               `json:"id"`
	Criteria  SubscriptionCriteria `json:"criteria"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// SubscriptionDeleted payload of SUBSCRIPTION_DELETED
type SubscriptionDeleted struct {
	SubscriptionID string `json:"subscriptionId"`
}

// SubscriptionsList payload of SUBSCRIPTIONS_LIST, in creation order
type SubscriptionsList struct {
	Subscriptions []SubscriptionRecord `json:"subscriptions"`
}

// MapEvents payload of MAP_EVENTS; events which reached the recipient through
// its persistent subscriptions rather than the live viewport
type MapEvents struct {
	SubscriptionIDs []string       `json:"subscriptionIds"`
	Events          []MarkerUpdate `json:"events"`
}

// ErrorMessage payload of ERROR
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DebugEvent payload of DEBUG_EVENT
type DebugEvent struct {
	Event   string                 `json:"event"`
	Details map[string]interface{} `json:"details,omitempty"`
}

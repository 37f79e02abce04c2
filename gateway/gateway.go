package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/broadcast"
	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/DavidKalina/realtime-markers-demo-sub012/jobs"
	"github.com/DavidKalina/realtime-markers-demo-sub012/protocol"
	"github.com/DavidKalina/realtime-markers-demo-sub012/registry"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// Gateway is the sole component translating between the wire protocol and the
// registries, job coordinator, and broadcaster. Nothing else encodes messages
// or writes to a client transport.
type Gateway interface {
	// NewClient take over a freshly upgraded websocket connection
	NewClient(ctxt context.Context, ws *websocket.Conn) error
	// Push deliver one coalesced broadcast to its destination connection
	Push(ctxt context.Context, delivery broadcast.Delivery) error
	// ReportDeliveryFailure drop a connection whose delivery failed
	ReportDeliveryFailure(ctxt context.Context, connID string)
	// DeliverJobUpdate forward a job status update to a set of connections
	DeliverJobUpdate(ctxt context.Context, connections []string, update jobs.StatusUpdate) error
	// ConnectionCount number of connections currently attached
	ConnectionCount() int
}

// gatewayImpl implements Gateway
type gatewayImpl struct {
	common.Component
	registries  registry.RegistrySet
	coordinator jobs.Coordinator
	broadcaster broadcast.Broadcaster
	snapshots   SnapshotProvider
	codec       protocol.Codec
	clientCfg   common.EngineClientConfig
	conns       map[string]*clientConn
	lock        *sync.RWMutex
	operContext context.Context
	wg          *sync.WaitGroup
}

// DefineGateway create new dispatch Gateway
func DefineGateway(
	registries registry.RegistrySet,
	coordinator jobs.Coordinator,
	broadcaster broadcast.Broadcaster,
	snapshots SnapshotProvider,
	clientCfg common.EngineClientConfig,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (Gateway, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "dispatch",
	}
	return &gatewayImpl{
		Component:   common.Component{LogTags: logTags},
		registries:  registries,
		coordinator: coordinator,
		broadcaster: broadcaster,
		snapshots:   snapshots,
		codec:       protocol.GetCodec(),
		clientCfg:   clientCfg,
		conns:       make(map[string]*clientConn),
		lock:        &sync.RWMutex{},
		operContext: ctxt,
		wg:          wg,
	}, nil
}

// ConnectionCount number of connections currently attached
func (g *gatewayImpl) ConnectionCount() int {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return len(g.conns)
}

// NewClient take over a freshly upgraded websocket connection
func (g *gatewayImpl) NewClient(ctxt context.Context, ws *websocket.Conn) error {
	connID, err := g.registries.Connections.Register(ctxt)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Unable to register new connection")
		return err
	}
	debounce, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("debounce-%s", connID), g.operContext, g.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Unable to define debounce timer")
		return err
	}
	conn := newClientConn(connID, ws, g.clientCfg.SendBufferLen, debounce)

	g.lock.Lock()
	g.conns[connID] = conn
	g.lock.Unlock()

	g.wg.Add(2)
	go conn.writePump(g.wg, func() {
		g.removeClient(g.operContext, connID)
	})
	go conn.readPump(g.wg, g.clientCfg.MaxInboundPayloadBytes, func(raw []byte) {
		g.handleInbound(g.operContext, conn, raw)
	}, func() {
		g.removeClient(g.operContext, connID)
	})

	log.WithFields(g.LogTags).Infof("Attached connection %s", connID)
	g.sendMessage(conn, protocol.MsgConnectionEstablished, protocol.ConnectionEstablished{
		ConnectionID: connID,
	})
	g.maybeDebug(conn, "connection_registered", nil)
	return nil
}

// ========================================================================================
// Inbound dispatch

// handleInbound translate one inbound message into exactly one registry or
// coordinator call. Runs on the connection's read pump, so messages from one
// client are handled strictly in arrival order.
func (g *gatewayImpl) handleInbound(ctxt context.Context, conn *clientConn, raw []byte) {
	msgType, payload, err := g.codec.Decode(raw)
	if err != nil {
		log.WithError(err).WithFields(conn.LogTags).Info("Discarding undecodable message")
		g.sendError(conn, protocol.ErrCodeDecode, err.Error())
		return
	}

	// Identification must come first; nothing else touches shared state before it
	if !conn.identified && msgType != protocol.MsgClientIdentification {
		g.sendError(
			conn, protocol.ErrCodeProtocolViolation,
			fmt.Sprintf("%s received before CLIENT_IDENTIFICATION", msgType),
		)
		return
	}

	switch request := payload.(type) {
	case *protocol.ClientIdentification:
		g.handleIdentification(ctxt, conn, request)
	case *protocol.ViewportUpdate:
		g.handleViewportUpdate(ctxt, conn, request)
	case *protocol.CreateSession:
		g.handleCreateSession(ctxt, conn)
	case *protocol.JoinSession:
		g.handleJoinSession(ctxt, conn, request)
	case *protocol.ClearSession:
		g.handleClearSession(ctxt, conn, request)
	case *protocol.AddJob:
		g.handleAddJob(ctxt, conn, request)
	case *protocol.CancelJob:
		g.handleCancelJob(ctxt, conn, request)
	case *protocol.CreateSubscription:
		g.handleCreateSubscription(ctxt, conn, request)
	case *protocol.UpdateSubscription:
		g.handleUpdateSubscription(ctxt, conn, request)
	case *protocol.DeleteSubscription:
		g.handleDeleteSubscription(ctxt, conn, request)
	case *protocol.ListSubscriptions:
		g.handleListSubscriptions(ctxt, conn)
	default:
		g.sendError(
			conn, protocol.ErrCodeProtocolViolation,
			fmt.Sprintf("message type %s not handled", msgType),
		)
	}
}

func (g *gatewayImpl) handleIdentification(
	ctxt context.Context, conn *clientConn, request *protocol.ClientIdentification,
) {
	if conn.identified {
		g.sendError(conn, protocol.ErrCodeConflict, "connection already identified")
		return
	}
	if err := protocol.ValidateUserID(request.UserID); err != nil {
		g.sendError(conn, protocol.ErrCodeInvalidUserID, err.Error())
		return
	}
	if err := g.registries.Connections.Identify(ctxt, conn.id, request.UserID); err != nil {
		g.sendRegistryError(conn, err)
		return
	}
	conn.identified = true
	log.WithFields(conn.LogTags).Infof("Connection identified as user %s", request.UserID)
	g.maybeDebug(conn, "identified", map[string]interface{}{"userId": request.UserID})
}

func (g *gatewayImpl) handleViewportUpdate(
	ctxt context.Context, conn *clientConn, request *protocol.ViewportUpdate,
) {
	viewport := request.Viewport()
	if err := viewport.Validate(); err != nil {
		g.sendError(conn, protocol.ErrCodeDecode, err.Error())
		return
	}
	// Repeating the current bounds changes nothing; acknowledge without
	// re-arming another snapshot recomputation
	if conn.lastViewport != nil && *conn.lastViewport == viewport {
		g.sendMessage(conn, protocol.MsgViewportUpdated, protocol.ViewportUpdated{})
		return
	}
	if err := g.registries.Connections.SetViewport(ctxt, conn.id, viewport); err != nil {
		g.sendRegistryError(conn, err)
		return
	}
	conn.lastViewport = &viewport
	g.sendMessage(conn, protocol.MsgViewportUpdated, protocol.ViewportUpdated{})
	// Rapid panning restarts the debounce; only the viewport at rest gets a snapshot
	debounceWindow := time.Millisecond * time.Duration(g.clientCfg.ViewportDebounce)
	if err := conn.debounce.Start(debounceWindow, func() error {
		g.pushSnapshot(conn, viewport)
		return nil
	}, true); err != nil {
		log.WithError(err).WithFields(conn.LogTags).Error("Unable to arm debounce timer")
	}
}

// pushSnapshot fetch the markers within a viewport and push INITIAL_MARKERS.
// Runs on the debounce timer's goroutine.
func (g *gatewayImpl) pushSnapshot(conn *clientConn, viewport common.Viewport) {
	markers, err := g.snapshots.QueryMarkers(g.operContext, viewport)
	if err != nil {
		log.WithError(err).WithFields(conn.LogTags).Error("Snapshot query failed")
		g.sendError(conn, protocol.ErrCodeInternal, "marker snapshot unavailable")
		return
	}
	g.sendMessage(conn, protocol.MsgInitialMarkers, protocol.InitialMarkers{Markers: markers})
	g.maybeDebug(conn, "snapshot_pushed", map[string]interface{}{"markers": len(markers)})
}

func (g *gatewayImpl) handleCreateSession(ctxt context.Context, conn *clientConn) {
	// Creating while in a session would orphan an empty session on the
	// inevitable join failure, so check membership up front
	record, err := g.registries.Connections.Get(ctxt, conn.id)
	if err != nil {
		g.sendRegistryError(conn, err)
		return
	}
	if record.SessionID != "" {
		g.sendError(conn, protocol.ErrCodeConflict, "connection already in a session")
		return
	}
	sessionID, err := g.registries.Sessions.Create(ctxt)
	if err != nil {
		g.sendRegistryError(conn, err)
		return
	}
	memberCount, err := g.registries.Sessions.Join(ctxt, sessionID, conn.id)
	if err != nil {
		g.sendRegistryError(conn, err)
		return
	}
	g.sendMessage(conn, protocol.MsgSessionCreated, protocol.SessionStatus{
		SessionID: sessionID, MemberCount: memberCount,
	})
}

func (g *gatewayImpl) handleJoinSession(
	ctxt context.Context, conn *clientConn, request *protocol.JoinSession,
) {
	memberCount, err := g.registries.Sessions.Join(ctxt, request.SessionID, conn.id)
	if err != nil {
		g.sendRegistryError(conn, err)
		return
	}
	g.sendMessage(conn, protocol.MsgSessionJoined, protocol.SessionStatus{
		SessionID: request.SessionID, MemberCount: memberCount,
	})
	members, err := g.registries.Sessions.Members(ctxt, request.SessionID)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Unable to list members of %s", request.SessionID,
		)
		return
	}
	g.fanSessionStatus(request.SessionID, memberCount, members, conn.id)
}

func (g *gatewayImpl) handleClearSession(
	ctxt context.Context, conn *clientConn, request *protocol.ClearSession,
) {
	formerMembers, err := g.registries.Sessions.Clear(ctxt, request.SessionID)
	if err != nil {
		g.sendRegistryError(conn, err)
		return
	}
	if err := g.coordinator.CancelSessionJobs(ctxt, request.SessionID); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Unable to cancel jobs of cleared session %s", request.SessionID,
		)
	}
	g.fanSessionStatus(request.SessionID, 0, formerMembers, "")
}

func (g *gatewayImpl) handleAddJob(
	ctxt context.Context, conn *clientConn, request *protocol.AddJob,
) {
	jobID, err := g.coordinator.AddJob(ctxt, request.SessionID, request.JobSpec)
	if err != nil {
		g.sendRegistryError(conn, err)
		return
	}
	g.sendMessage(conn, protocol.MsgJobAdded, protocol.JobAdded{JobID: jobID})
}

func (g *gatewayImpl) handleCancelJob(
	ctxt context.Context, conn *clientConn, request *protocol.CancelJob,
) {
	// The coordinator fans the CANCELLED transition out to the session
	if err := g.coordinator.CancelJob(ctxt, request.JobID); err != nil {
		g.sendRegistryError(conn, err)
	}
}

func (g *gatewayImpl) handleCreateSubscription(
	ctxt context.Context, conn *clientConn, request *protocol.CreateSubscription,
) {
	record, err := g.registries.Subscriptions.Create(
		ctxt, conn.id, criteriaToFilter(request.Criteria),
	)
	if err != nil {
		g.sendRegistryError(conn, err)
		return
	}
	g.sendMessage(conn, protocol.MsgSubscriptionCreated, subscriptionToWire(record))
}

func (g *gatewayImpl) handleUpdateSubscription(
	ctxt context.Context, conn *clientConn, request *protocol.UpdateSubscription,
) {
	record, err := g.registries.Subscriptions.Update(
		ctxt, conn.id, request.SubscriptionID, criteriaToFilter(request.Criteria),
	)
	if err != nil {
		g.sendRegistryError(conn, err)
		return
	}
	g.sendMessage(conn, protocol.MsgSubscriptionUpdated, subscriptionToWire(record))
}

func (g *gatewayImpl) handleDeleteSubscription(
	ctxt context.Context, conn *clientConn, request *protocol.DeleteSubscription,
) {
	if err := g.registries.Subscriptions.Delete(ctxt, conn.id, request.SubscriptionID); err != nil {
		g.sendRegistryError(conn, err)
		return
	}
	g.sendMessage(conn, protocol.MsgSubscriptionDeleted, protocol.SubscriptionDeleted{
		SubscriptionID: request.SubscriptionID,
	})
}

func (g *gatewayImpl) handleListSubscriptions(ctxt context.Context, conn *clientConn) {
	records, err := g.registries.Subscriptions.List(ctxt, conn.id)
	if err != nil {
		g.sendRegistryError(conn, err)
		return
	}
	wire := make([]protocol.SubscriptionRecord, 0, len(records))
	for _, record := range records {
		wire = append(wire, subscriptionToWire(record))
	}
	g.sendMessage(conn, protocol.MsgSubscriptionsList, protocol.SubscriptionsList{
		Subscriptions: wire,
	})
}

// criteriaToFilter convert wire criteria into the registry filter form
func criteriaToFilter(criteria *protocol.SubscriptionCriteria) registry.SubscriptionFilter {
	return registry.SubscriptionFilter{Viewport: criteria.Viewport, Query: criteria.Query}
}

// subscriptionToWire convert a registry record into its wire form
func subscriptionToWire(record registry.Subscription) protocol.SubscriptionRecord {
	return protocol.SubscriptionRecord{
		ID: record.ID,
		Criteria: protocol.SubscriptionCriteria{
			Viewport: record.Filter.Viewport, Query: record.Filter.Query,
		},
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}

// ========================================================================================
// Asynchronous delivery

// Push deliver one coalesced broadcast to its destination connection
func (g *gatewayImpl) Push(ctxt context.Context, delivery broadcast.Delivery) error {
	conn := g.findConn(delivery.ConnectionID)
	if conn == nil {
		return fmt.Errorf("connection %s is gone", delivery.ConnectionID)
	}

	// Viewport-visible events go out as marker messages; events that matched
	// only persistent subscriptions ride a MAP_EVENTS wrapper. Framing walks
	// the entries as consecutive runs of the same kind so the messages on the
	// wire keep the arrival order of the underlying events.
	entries := delivery.Entries
	for start := 0; start < len(entries); {
		end := start
		for end < len(entries) && entries[end].ViaViewport == entries[start].ViaViewport {
			end++
		}
		run := entries[start:end]
		var err error
		if entries[start].ViaViewport {
			err = g.pushViewportRun(conn, run)
		} else {
			err = g.pushSubscriptionRun(conn, run)
		}
		if err != nil {
			return err
		}
		start = end
	}
	return nil
}

// pushViewportRun frame consecutive viewport-visible events, a lone event
// unframed and a burst as MARKER_UPDATES_BATCH
func (g *gatewayImpl) pushViewportRun(conn *clientConn, run []broadcast.BatchEntry) error {
	updates := make([]protocol.MarkerUpdate, 0, len(run))
	for _, entry := range run {
		updates = append(updates, protocol.MarkerUpdate{
			Type: entry.Event.Type, Marker: entry.Event.Marker,
		})
	}
	if len(updates) == 1 {
		return g.pushSingleMarker(conn, updates[0])
	}
	return g.pushEncoded(conn, protocol.MsgMarkerUpdatesBatch, protocol.MarkerUpdatesBatch{
		Updates: updates,
	})
}

// pushSubscriptionRun frame consecutive subscription-only events as one
// MAP_EVENTS wrapper naming the subscriptions that matched
func (g *gatewayImpl) pushSubscriptionRun(conn *clientConn, run []broadcast.BatchEntry) error {
	events := make([]protocol.MarkerUpdate, 0, len(run))
	var subIDs []string
	seenSubIDs := make(map[string]bool)
	for _, entry := range run {
		events = append(events, protocol.MarkerUpdate{
			Type: entry.Event.Type, Marker: entry.Event.Marker,
		})
		for _, subID := range entry.SubscriptionIDs {
			if !seenSubIDs[subID] {
				seenSubIDs[subID] = true
				subIDs = append(subIDs, subID)
			}
		}
	}
	return g.pushEncoded(conn, protocol.MsgMapEvents, protocol.MapEvents{
		SubscriptionIDs: subIDs, Events: events,
	})
}

// pushSingleMarker send one marker event without batch framing
func (g *gatewayImpl) pushSingleMarker(conn *clientConn, update protocol.MarkerUpdate) error {
	switch update.Type {
	case common.MarkerEventCreated:
		return g.pushEncoded(conn, protocol.MsgMarkerCreated, update.Marker)
	case common.MarkerEventUpdated:
		return g.pushEncoded(conn, protocol.MsgMarkerUpdated, update.Marker)
	case common.MarkerEventDeleted:
		return g.pushEncoded(conn, protocol.MsgMarkerDeleted, protocol.MarkerDeleted{
			ID: update.Marker.ID,
		})
	}
	return fmt.Errorf("marker event type %s not known", update.Type)
}

// pushEncoded encode one message and queue it, surfacing queue overflow as a
// delivery failure
func (g *gatewayImpl) pushEncoded(
	conn *clientConn, msgType protocol.MessageType, payload interface{},
) error {
	encoded, err := g.codec.Encode(msgType, payload)
	if err != nil {
		log.WithError(err).WithFields(conn.LogTags).Errorf("Unable to encode %s", msgType)
		return err
	}
	return conn.enqueue(encoded)
}

// ReportDeliveryFailure drop a connection whose delivery failed
func (g *gatewayImpl) ReportDeliveryFailure(ctxt context.Context, connID string) {
	log.WithFields(g.LogTags).Infof("Removing connection %s after delivery failure", connID)
	g.removeClient(ctxt, connID)
	// An event racing the disconnect can recreate broadcaster state after the
	// cascade already ran; removeClient skips unknown ids, so release it here
	if err := g.broadcaster.DropConnection(ctxt, connID); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Unable to drop pending broadcasts of %s", connID,
		)
	}
}

// DeliverJobUpdate forward a job status update to a set of connections
func (g *gatewayImpl) DeliverJobUpdate(
	ctxt context.Context, connections []string, update jobs.StatusUpdate,
) error {
	encoded, err := g.codec.Encode(protocol.MsgJobUpdate, protocol.JobUpdate{
		JobID: update.JobID, Status: string(update.Status), Result: update.Payload,
	})
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Unable to encode update of job %s", update.JobID,
		)
		return err
	}
	for _, connID := range connections {
		conn := g.findConn(connID)
		if conn == nil {
			continue
		}
		if err := conn.enqueue(encoded); err != nil {
			// One slow member must not block the rest of the session
			log.WithError(err).WithFields(conn.LogTags).Info("Job update delivery failed")
			go g.removeClient(g.operContext, connID)
		}
	}
	return nil
}

// fanSessionStatus push a SESSION_UPDATE to a member set, skipping one id
func (g *gatewayImpl) fanSessionStatus(
	sessionID string, memberCount int, members []string, skip string,
) {
	for _, memberID := range members {
		if memberID == skip {
			continue
		}
		member := g.findConn(memberID)
		if member == nil {
			continue
		}
		g.sendMessage(member, protocol.MsgSessionUpdate, protocol.SessionStatus{
			SessionID: sessionID, MemberCount: memberCount,
		})
	}
}

// ========================================================================================
// Connection lifecycle

// findConn fetch the transport wrapper of a connection
func (g *gatewayImpl) findConn(connID string) *clientConn {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return g.conns[connID]
}

// removeClient run the disconnect cascade for one connection. Idempotent; the
// first caller wins and settles all cleanup obligations.
func (g *gatewayImpl) removeClient(ctxt context.Context, connID string) {
	g.lock.Lock()
	conn, ok := g.conns[connID]
	if ok {
		delete(g.conns, connID)
	}
	g.lock.Unlock()
	if !ok {
		return
	}
	conn.close()

	if err := g.broadcaster.DropConnection(ctxt, connID); err != nil {
		log.WithError(err).WithFields(conn.LogTags).Error("Unable to drop pending broadcasts")
	}
	obligations, err := g.registries.Connections.Remove(ctxt, connID)
	if err != nil {
		log.WithError(err).WithFields(conn.LogTags).Error("Registry removal failed")
		return
	}
	log.WithFields(conn.LogTags).Infof(
		"Removed connection; %d subscriptions cascaded", len(obligations.SubscriptionsDeleted),
	)

	change := obligations.Session
	if change.SessionID == "" {
		return
	}
	if change.Deleted {
		if err := g.coordinator.CancelSessionJobs(ctxt, change.SessionID); err != nil {
			log.WithError(err).WithFields(g.LogTags).Errorf(
				"Unable to cancel jobs of deleted session %s", change.SessionID,
			)
		}
		return
	}
	g.fanSessionStatus(change.SessionID, len(change.Remaining), change.Remaining, "")
}

// ========================================================================================
// Outbound helpers

// sendMessage encode and queue one message for the read-pump driven replies
func (g *gatewayImpl) sendMessage(
	conn *clientConn, msgType protocol.MessageType, payload interface{},
) {
	if err := g.pushEncoded(conn, msgType, payload); err != nil {
		log.WithError(err).WithFields(conn.LogTags).Info("Reply delivery failed")
		go g.removeClient(g.operContext, conn.id)
	}
}

// sendError queue one ERROR message
func (g *gatewayImpl) sendError(conn *clientConn, code string, message string) {
	g.sendMessage(conn, protocol.MsgError, protocol.ErrorMessage{Code: code, Message: message})
}

// sendRegistryError map a registry or coordinator failure onto a wire error
func (g *gatewayImpl) sendRegistryError(conn *clientConn, err error) {
	code := protocol.ErrCodeInternal
	switch {
	case errors.Is(err, registry.ErrUnknownConnection),
		errors.Is(err, registry.ErrSessionNotFound),
		errors.Is(err, registry.ErrSubscriptionNotFound),
		errors.Is(err, jobs.ErrJobNotFound):
		code = protocol.ErrCodeNotFound
	case errors.Is(err, registry.ErrAlreadyIdentified),
		errors.Is(err, registry.ErrAlreadyInSession),
		errors.Is(err, registry.ErrNotOwner):
		code = protocol.ErrCodeConflict
	case errors.Is(err, registry.ErrNotIdentified):
		code = protocol.ErrCodeProtocolViolation
	}
	g.sendError(conn, code, err.Error())
}

// maybeDebug mirror one lifecycle diagnostic to the connection when enabled
func (g *gatewayImpl) maybeDebug(
	conn *clientConn, event string, details map[string]interface{},
) {
	if !g.clientCfg.DebugEvents {
		return
	}
	g.sendMessage(conn, protocol.MsgDebugEvent, protocol.DebugEvent{
		Event: event, Details: details,
	})
}

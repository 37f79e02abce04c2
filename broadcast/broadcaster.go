package broadcast

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/DavidKalina/realtime-markers-demo-sub012/registry"
	"github.com/apex/log"
)

// PushCB callback used to hand one coalesced delivery to the transport layer
type PushCB func(ctxt context.Context, delivery Delivery) error

// DeliveryFailureCB callback flagging a connection whose delivery failed,
// making it a candidate for removal
type DeliveryFailureCB func(ctxt context.Context, connID string)

// Broadcaster fans marker events out to interested connections, coalescing
// bursts per connection into batched deliveries
type Broadcaster interface {
	// HandleEvent process one marker event from the data layer
	HandleEvent(ctxt context.Context, event common.MarkerEvent) error
	// DropConnection discard any pending entries for a connection
	DropConnection(ctxt context.Context, connID string) error
	// Start begin pushing deliveries through the provided callbacks
	Start(pushCB PushCB, failureCB DeliveryFailureCB) error
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	common.Component
	tp          common.TaskProcessor
	resolver    registry.InterestResolver
	batchers    map[string]*connBatcher
	batchWindow time.Duration
	push        PushCB
	failure     DeliveryFailureCB
	started     bool
	operContext context.Context
	wg          *sync.WaitGroup
	lock        *sync.Mutex
}

// DefineBroadcaster create new Broadcaster
func DefineBroadcaster(
	tp common.TaskProcessor,
	resolver registry.InterestResolver,
	batchWindow time.Duration,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (Broadcaster, error) {
	logTags := log.Fields{
		"module": "broadcast", "component": "broadcaster",
	}
	instance := broadcasterImpl{
		Component:   common.Component{LogTags: logTags},
		tp:          tp,
		resolver:    resolver,
		batchers:    make(map[string]*connBatcher),
		batchWindow: batchWindow,
		started:     false,
		operContext: ctxt,
		wg:          wg,
		lock:        &sync.Mutex{},
	}

	// Define task executions
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(bcastEventReq{}), instance.processEventRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(bcastFlushReq{}), instance.processFlushRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(bcastDropConnReq{}), instance.processDropConnRequest,
	); err != nil {
		return nil, err
	}

	return &instance, nil
}

// Start begin pushing deliveries through the provided callbacks
func (b *broadcasterImpl) Start(pushCB PushCB, failureCB DeliveryFailureCB) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.started {
		return fmt.Errorf("already started")
	}
	b.push = pushCB
	b.failure = failureCB
	b.started = true
	return nil
}

// ========================================================================================
// HandleEvent

type bcastEventReq struct {
	ctxt     context.Context
	event    common.MarkerEvent
	resultCB func(err error)
}

// HandleEvent process one marker event from the data layer
func (b *broadcasterImpl) HandleEvent(ctxt context.Context, event common.MarkerEvent) error {
	errorChan := make(chan error, 1)
	handler := func(err error) {
		errorChan <- err
	}

	request := bcastEventReq{ctxt: ctxt, event: event, resultCB: handler}

	if err := b.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to submit %s", event)
		return err
	}

	select {
	case err := <-errorChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (b *broadcasterImpl) processEventRequest(param interface{}) error {
	request, ok := param.(bcastEventReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for marker event", reflect.TypeOf(param),
		)
	}
	request.resultCB(b.ProcessEventRequest(request.ctxt, request.event))
	return nil
}

// ProcessEventRequest resolve interest for one event and queue it per connection
func (b *broadcasterImpl) ProcessEventRequest(
	ctxt context.Context, event common.MarkerEvent,
) error {
	interests, err := b.resolver.MatchEvent(ctxt, event)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Interest resolution of %s failed", event)
		return err
	}
	if len(interests) == 0 {
		log.WithFields(b.LogTags).Debugf("No interest in %s", event)
		return nil
	}
	for _, interest := range interests {
		batcher, err := b.batcherFor(interest.ConnectionID)
		if err != nil {
			return err
		}
		batcher.add(BatchEntry{
			Event:           event,
			ViaViewport:     interest.ViaViewport,
			SubscriptionIDs: interest.SubscriptionIDs,
		})
		if !batcher.armed {
			// The window runs from the first queued event so latency stays bounded
			connID := interest.ConnectionID
			if err := batcher.timer.Start(b.batchWindow, func() error {
				return b.requestFlush(connID)
			}, true); err != nil {
				log.WithError(err).WithFields(b.LogTags).Errorf(
					"Unable to arm flush timer for %s", connID,
				)
				return err
			}
			batcher.armed = true
		}
	}
	return nil
}

// batcherFor fetch or create the batcher of a connection
func (b *broadcasterImpl) batcherFor(connID string) (*connBatcher, error) {
	if batcher, ok := b.batchers[connID]; ok {
		return batcher, nil
	}
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("flush-%s", connID), b.operContext, b.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to define flush timer for %s", connID,
		)
		return nil, err
	}
	batcher := &connBatcher{connID: connID, timer: timer}
	b.batchers[connID] = batcher
	return batcher, nil
}

// requestFlush submit a flush for one connection onto the event loop
func (b *broadcasterImpl) requestFlush(connID string) error {
	return b.tp.Submit(bcastFlushReq{connID: connID}, b.operContext)
}

// ========================================================================================
// Flush

type bcastFlushReq struct {
	connID string
}

func (b *broadcasterImpl) processFlushRequest(param interface{}) error {
	request, ok := param.(bcastFlushReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for flush", reflect.TypeOf(param),
		)
	}
	return b.ProcessFlushRequest(request.connID)
}

// ProcessFlushRequest drain one connection's batcher and push the delivery
func (b *broadcasterImpl) ProcessFlushRequest(connID string) error {
	batcher, ok := b.batchers[connID]
	if !ok {
		return nil
	}
	entries := batcher.drain()
	if len(entries) == 0 {
		return nil
	}
	if b.push == nil {
		log.WithFields(b.LogTags).Errorf("Dropping %d entries for %s; not started", len(entries), connID)
		return nil
	}
	if err := b.push(b.operContext, Delivery{ConnectionID: connID, Entries: entries}); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Delivery to %s failed", connID)
		if b.failure != nil {
			// Report outside the event loop; removal will call back into DropConnection
			go b.failure(b.operContext, connID)
		}
	}
	return nil
}

// ========================================================================================
// DropConnection

type bcastDropConnReq struct {
	ctxt     context.Context
	connID   string
	resultCB func(err error)
}

// DropConnection discard any pending entries for a connection
func (b *broadcasterImpl) DropConnection(ctxt context.Context, connID string) error {
	errorChan := make(chan error, 1)
	handler := func(err error) {
		errorChan <- err
	}

	request := bcastDropConnReq{ctxt: ctxt, connID: connID, resultCB: handler}

	if err := b.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to submit drop of %s", connID)
		return err
	}

	select {
	case err := <-errorChan:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (b *broadcasterImpl) processDropConnRequest(param interface{}) error {
	request, ok := param.(bcastDropConnReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for drop connection", reflect.TypeOf(param),
		)
	}
	request.resultCB(b.ProcessDropConnRequest(request.connID))
	return nil
}

// ProcessDropConnRequest discard pending entries and release the flush timer
func (b *broadcasterImpl) ProcessDropConnRequest(connID string) error {
	batcher, ok := b.batchers[connID]
	if !ok {
		return nil
	}
	if err := batcher.timer.Stop(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to stop flush timer of %s", connID)
	}
	delete(b.batchers, connID)
	log.WithFields(b.LogTags).Debugf("Dropped pending deliveries of %s", connID)
	return nil
}

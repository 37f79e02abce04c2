package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/DavidKalina/realtime-markers-demo-sub012/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// ForwardEventHandlerCB callback used to forward marker events to the next pipeline stage
type ForwardEventHandlerCB func(ctxt context.Context, event common.MarkerEvent) error

// AlertOnErrorCB callback used to expose internal error to an outer context for handling
type AlertOnErrorCB func(err error)

// MarkerEventSource reads marker mutation events from the data layer
type MarkerEventSource interface {
	// StartReading begin reading marker events from the transport
	StartReading(
		forwardCB ForwardEventHandlerCB,
		errorCB AlertOnErrorCB,
		wg *sync.WaitGroup,
	) error
}

// natsEventSourceImpl implements MarkerEventSource against a NATS subject
type natsEventSourceImpl struct {
	common.Component
	nats      *core.NatsClient
	sub       *nats.Subscription
	reading   bool
	forward   ForwardEventHandlerCB
	errorCB   AlertOnErrorCB
	validate  *validator.Validate
	lock      *sync.Mutex
	ctxt      context.Context
}

// GetNatsEventSource define new MarkerEventSource reading from a NATS subject
func GetNatsEventSource(
	ctxt context.Context, natsClient *core.NatsClient, subject string,
) (MarkerEventSource, error) {
	logTags := log.Fields{
		"module":    "broadcast",
		"component": "marker-event-source",
		"subject":   subject,
	}
	if subject == "" {
		err := fmt.Errorf("marker event subject is empty")
		log.WithError(err).WithFields(logTags).Error("Unable to define event source")
		return nil, err
	}
	sub, err := natsClient.NATs().SubscribeSync(subject)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription")
		return nil, err
	}
	return &natsEventSourceImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		sub:       sub,
		reading:   false,
		forward:   nil,
		errorCB:   nil,
		validate:  validator.New(),
		lock:      &sync.Mutex{},
		ctxt:      ctxt,
	}, nil
}

// StartReading begin reading marker events from the transport
func (r *natsEventSourceImpl) StartReading(
	forwardCB ForwardEventHandlerCB,
	errorCB AlertOnErrorCB,
	wg *sync.WaitGroup,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	// Already reading
	if r.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	wg.Add(1)
	r.forward = forwardCB
	r.errorCB = errorCB
	r.reading = true
	go func() {
		defer wg.Done()
		log.WithFields(r.LogTags).Infof("Starting marker event read loop")
		defer log.WithFields(r.LogTags).Infof("Stopping marker event read loop")
		defer func() {
			if err := r.sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe failed")
			} else {
				log.WithFields(r.LogTags).Infof("Unsubscribed from subject")
			}
		}()
		for {
			newMsg, err := r.sub.NextMsgWithContext(r.ctxt)
			if err != nil {
				log.WithError(err).WithFields(r.LogTags).Errorf("Read failure")
				r.errorCB(err)
				break
			}
			if newMsg == nil {
				continue
			}
			event, err := r.parseEvent(newMsg.Data)
			if err != nil {
				// Malformed events are dropped, not fatal to the loop
				log.WithError(err).WithFields(r.LogTags).Errorf("Discarding unparsable event")
				continue
			}
			log.WithFields(r.LogTags).Debugf("Received %s", event)
			if err := r.forward(r.ctxt, event); err != nil {
				log.WithError(err).WithFields(r.LogTags).Errorf("Unable to forward %s", event)
				r.errorCB(err)
			}
		}
	}()
	return nil
}

// parseEvent decode one wire payload into a marker event
func (r *natsEventSourceImpl) parseEvent(data []byte) (common.MarkerEvent, error) {
	var event common.MarkerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return common.MarkerEvent{}, err
	}
	if err := r.validate.Struct(&event); err != nil {
		return common.MarkerEvent{}, err
	}
	event.ReceivedAt = time.Now().UTC()
	return event, nil
}

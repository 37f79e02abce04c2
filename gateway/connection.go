package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// Websocket keepalive parameters
const (
	wsWriteWait  = time.Second * 10
	wsPongWait   = time.Second * 60
	wsPingPeriod = (wsPongWait * 9) / 10
)

// clientConn one live client connection. The registry tracks its state; this
// wraps the transport handle, the bounded outbound queue, and the viewport
// debounce timer.
type clientConn struct {
	common.Component
	id string
	ws *websocket.Conn
	// send is never closed; writers race with the close path, so the write
	// pump exits on the done signal instead
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	// debounce gates snapshot recomputation when viewports change rapidly
	debounce common.IntervalTimer
	// identified and lastViewport are touched only by the connection's read pump
	identified   bool
	lastViewport *common.Viewport
}

// newClientConn wrap a freshly upgraded websocket connection
func newClientConn(
	connID string, ws *websocket.Conn, sendBufferLen int, debounce common.IntervalTimer,
) *clientConn {
	logTags := log.Fields{
		"module": "gateway", "component": "client-conn", "connection": connID,
	}
	return &clientConn{
		Component: common.Component{LogTags: logTags},
		id:        connID,
		ws:        ws,
		send:      make(chan []byte, sendBufferLen),
		done:      make(chan struct{}),
		debounce:  debounce,
	}
}

// enqueue queue one outbound message without blocking. A full queue means the
// client can not keep up; the caller treats that as a failed delivery.
func (c *clientConn) enqueue(msg []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection %s is closed", c.id)
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("send queue of connection %s overflowed", c.id)
	}
}

// close signal the pumps to stop and drop the transport. Idempotent.
func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.debounce.Stop(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Unable to stop debounce timer")
		}
		if err := c.ws.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Transport close failed")
		}
	})
}

// writePump drain the outbound queue onto the wire, interleaving keepalive
// pings. Runs as the sole writer of the websocket.
func (c *clientConn) writePump(wg *sync.WaitGroup, onFailure func()) {
	defer wg.Done()
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	log.WithFields(c.LogTags).Debug("Starting write pump")
	defer log.WithFields(c.LogTags).Debug("Stopping write pump")
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				log.WithError(err).WithFields(c.LogTags).Error("Unable to set write deadline")
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithError(err).WithFields(c.LogTags).Info("Write failed; dropping connection")
				onFailure()
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				log.WithError(err).WithFields(c.LogTags).Error("Unable to set write deadline")
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(c.LogTags).Info("Ping failed; dropping connection")
				onFailure()
				return
			}
		}
	}
}

// readPump feed inbound messages to the handler in arrival order. Runs as the
// sole reader of the websocket; exiting triggers the disconnect cascade.
func (c *clientConn) readPump(
	wg *sync.WaitGroup, maxPayload int64, onMessage func(raw []byte), onClose func(),
) {
	defer wg.Done()
	defer onClose()
	c.ws.SetReadLimit(maxPayload)
	if err := c.ws.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to set read deadline")
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	log.WithFields(c.LogTags).Debug("Starting read pump")
	defer log.WithFields(c.LogTags).Debug("Stopping read pump")
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(c.LogTags).Info("Read failed")
			}
			return
		}
		onMessage(raw)
	}
}

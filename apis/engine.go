package apis

import (
	"context"
	"net/http"

	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/DavidKalina/realtime-markers-demo-sub012/core"
	"github.com/DavidKalina/realtime-markers-demo-sub012/gateway"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

// APIRestEngineHandler REST handler for the distribution engine
type APIRestEngineHandler struct {
	goutils.RestAPIHandler
	natsClient  *core.NatsClient
	gateway     gateway.Gateway
	upgrader    websocket.Upgrader
	baseContext context.Context
}

// GetAPIRestEngineHandler define APIRestEngineHandler
func GetAPIRestEngineHandler(
	baseContext context.Context,
	client *core.NatsClient,
	httpConfig *common.HTTPConfig,
	dispatch gateway.Gateway,
) (APIRestEngineHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "engine",
	}
	return APIRestEngineHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		natsClient: client,
		gateway:    dispatch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is left to the fronting proxy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseContext: baseContext,
	}, nil
}

// =======================================================================
// Client connection intake

// -----------------------------------------------------------------------

// Connect godoc
// @Summary Open a client connection
// @Description Upgrade to a websocket session speaking the engine wire protocol
// @tags Engine
// @Success 101 {string} string "protocol switch"
// @Failure 400 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connect [get]
func (h APIRestEngineHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	// The upgrader writes the HTTP error response itself on failure
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	// The gateway owns the socket from here on
	if err := h.gateway.NewClient(h.baseContext, ws); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to attach new client")
		if err := ws.Close(); err != nil {
			log.WithError(err).WithFields(localLogTags).Debug("Transport close failed")
		}
	}
}

// ConnectHandler Wrapper around Connect
func (h APIRestEngineHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For engine REST API liveness check
// @Description Will return success to indicate engine REST API module is live
// @tags Engine
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestEngineHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestEngineHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For engine REST API readiness check
// @Description Will return success if engine REST API module is ready for use
// @tags Engine
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestEngineHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient.NATs().Status() == nats.CONNECTED {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestEngineHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

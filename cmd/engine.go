package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/DavidKalina/realtime-markers-demo-sub012/apis"
	"github.com/DavidKalina/realtime-markers-demo-sub012/broadcast"
	"github.com/DavidKalina/realtime-markers-demo-sub012/common"
	"github.com/DavidKalina/realtime-markers-demo-sub012/core"
	"github.com/DavidKalina/realtime-markers-demo-sub012/gateway"
	"github.com/DavidKalina/realtime-markers-demo-sub012/jobs"
	"github.com/DavidKalina/realtime-markers-demo-sub012/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunEngineServer run the distribution engine server
func RunEngineServer(
	runTimeContext context.Context,
	params *common.EngineServerConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "engine",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid engine configuration")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Shared state actors

	registryTP, err := common.GetNewTaskProcessorInstance(
		"registries", params.Events.TaskQueueDepth, localCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define registry task processor")
		return err
	}
	matcher, err := broadcast.GetNatsMatcher(
		natsClient,
		params.Events.MatchSubject,
		time.Second*time.Duration(params.Events.MatchTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define query matcher")
		return err
	}
	registries, err := registry.DefineRegistrySet(registryTP, matcher)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define registries")
		return err
	}

	jobTP, err := common.GetNewTaskProcessorInstance(
		"job-coordinator", params.Events.TaskQueueDepth, localCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define job task processor")
		return err
	}
	coordinator, err := jobs.DefineCoordinator(jobTP, registries.Sessions)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define job coordinator")
		return err
	}

	broadcastTP, err := common.GetNewTaskProcessorInstance(
		"broadcaster", params.Events.TaskQueueDepth, localCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast task processor")
		return err
	}
	broadcaster, err := broadcast.DefineBroadcaster(
		broadcastTP,
		registries.Resolver,
		time.Millisecond*time.Duration(params.Events.BatchWindow),
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}

	// -------------------------------------------------------------------
	// Transport facing components

	snapshots, err := gateway.GetNatsSnapshotProvider(
		natsClient,
		params.Events.SnapshotSubject,
		time.Second*time.Duration(params.Events.SnapshotTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define snapshot provider")
		return err
	}

	dispatch, err := gateway.DefineGateway(
		registries, coordinator, broadcaster, snapshots, params.Client, localCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatch gateway")
		return err
	}

	if err := broadcaster.Start(dispatch.Push, dispatch.ReportDeliveryFailure); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start broadcaster")
		return err
	}
	if err := coordinator.Start(dispatch.DeliverJobUpdate); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start job coordinator")
		return err
	}

	eventSource, err := broadcast.GetNatsEventSource(
		localCtxt, natsClient, params.Events.MarkerEventSubject,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define marker event source")
		return err
	}

	// -------------------------------------------------------------------
	// Start the event loops

	if err := registryTP.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start registry event loop")
		return err
	}
	if err := jobTP.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start job event loop")
		return err
	}
	if err := broadcastTP.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start broadcast event loop")
		return err
	}
	if err := eventSource.StartReading(broadcaster.HandleEvent, func(err error) {
		log.WithError(err).WithFields(logTags).Error("Marker event intake failed")
		lclCancel()
	}, wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start marker event intake")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestEngineHandler(
		localCtxt, natsClient, &params.HTTPSetting, dispatch,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, params.Endpoints.PathPrefix, nil)

	// Client connection intake
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/connect", map[string]http.HandlerFunc{
		"get": httpHandler.ConnectHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return httpHandler.LoggingMiddleware(next.ServeHTTP)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", params.HTTPSetting.Server.ListenOn, params.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(params.HTTPSetting.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(params.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(params.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Stop the event loops
	if err := broadcastTP.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to stop broadcast event loop")
	}
	if err := jobTP.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to stop job event loop")
	}
	if err := registryTP.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to stop registry event loop")
	}

	return nil
}

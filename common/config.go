package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire request in
	// seconds. A zero or negative value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out writes of the
	// response in seconds. A zero or negative value means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled in seconds
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Engine Related Config

// EngineEventConfig defines the mutation event intake and fan-out parameters
type EngineEventConfig struct {
	// MarkerEventSubject is the NATS subject the data layer publishes marker
	// mutation events on
	MarkerEventSubject string `mapstructure:"marker_event_subject" json:"marker_event_subject" validate:"required"`
	// SnapshotSubject is the NATS subject for requesting the markers currently
	// within a viewport from the data layer
	SnapshotSubject string `mapstructure:"snapshot_subject" json:"snapshot_subject" validate:"required"`
	// SnapshotTimeout is the max duration of one snapshot request in seconds
	SnapshotTimeout int `mapstructure:"snapshot_timeout_sec" json:"snapshot_timeout_sec" validate:"gte=1"`
	// MatchSubject is the NATS subject the semantic query match collaborator
	// answers on
	MatchSubject string `mapstructure:"match_subject" json:"match_subject" validate:"required"`
	// MatchTimeout is the max duration of one semantic match query in seconds
	MatchTimeout int `mapstructure:"match_timeout_sec" json:"match_timeout_sec" validate:"gte=1"`
	// BatchWindow is the per-connection event coalescing window in milliseconds
	BatchWindow int `mapstructure:"batch_window_ms" json:"batch_window_ms" validate:"gte=10,lte=5000"`
	// TaskQueueDepth is the buffer depth of the broadcaster's task queue
	TaskQueueDepth int `mapstructure:"task_queue_depth" json:"task_queue_depth" validate:"gte=1"`
}

// EngineClientConfig defines per client connection parameters
type EngineClientConfig struct {
	// ViewportDebounce is the cooldown in milliseconds between marker snapshot
	// recomputations triggered by viewport updates on one connection
	ViewportDebounce int `mapstructure:"viewport_debounce_ms" json:"viewport_debounce_ms" validate:"gte=0,lte=30000"`
	// SendBufferLen is the outbound message buffer depth per connection; a
	// connection overflowing the buffer is treated as failed and removed
	SendBufferLen int `mapstructure:"send_buffer_len" json:"send_buffer_len" validate:"gte=1"`
	// MaxInboundPayloadBytes caps the size of one inbound websocket message
	MaxInboundPayloadBytes int64 `mapstructure:"max_inbound_payload_bytes" json:"max_inbound_payload_bytes" validate:"gte=128"`
	// DebugEvents mirrors lifecycle diagnostics to the affected connection as
	// DEBUG_EVENT messages when set
	DebugEvents bool `mapstructure:"debug_events" json:"debug_events"`
}

// EngineEndpointConfig defines engine API endpoint config
type EngineEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the engine APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// EngineServerConfig defines configuration for the engine server
type EngineServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the engine server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the engine server
	Endpoints EngineEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Events is the mutation event intake and fan-out parameters
	Events EngineEventConfig `mapstructure:"events" json:"events" validate:"required,dive"`
	// Client is the per client connection parameters
	Client EngineClientConfig `mapstructure:"client" json:"client" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the engine server
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Engine are the engine server configs
	Engine *EngineServerConfig `mapstructure:"engine,omitempty" json:"engine,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default Engine server settings
	viper.SetDefault("engine.endpoint_config.path_prefix", "/")
	viper.SetDefault("engine.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("engine.api_server.server_config.listen_port", 3000)
	viper.SetDefault("engine.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("engine.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("engine.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"engine.api_server.logging_config.request_id_header", "Markers-Request-ID",
	)
	viper.SetDefault(
		"engine.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("engine.events.marker_event_subject", "markers.events")
	viper.SetDefault("engine.events.snapshot_subject", "markers.snapshot")
	viper.SetDefault("engine.events.snapshot_timeout_sec", 5)
	viper.SetDefault("engine.events.match_subject", "markers.match")
	viper.SetDefault("engine.events.match_timeout_sec", 2)
	viper.SetDefault("engine.events.batch_window_ms", 250)
	viper.SetDefault("engine.events.task_queue_depth", 64)
	viper.SetDefault("engine.client.viewport_debounce_ms", 1500)
	viper.SetDefault("engine.client.send_buffer_len", 64)
	viper.SetDefault("engine.client.max_inbound_payload_bytes", 65536)
	viper.SetDefault("engine.client.debug_events", false)
}

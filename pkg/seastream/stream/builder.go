// Package stream implements the streaming coordinator: a supervised
// WebSocket session to a Signal K server with explicit subscriptions,
// delta ingest into a latest-value cache, notification fan-out, and
// bounded-exponential reconnect.
package stream

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/seastream/pkg/seastream/auth"
	"github.com/tsarna/seastream/pkg/seastream/o11y"
	"github.com/tsarna/seastream/pkg/seastream/signalk"
)

// Config describes the Signal K server and vessel identity the coordinator
// targets.
type Config struct {
	Host      string
	Port      int
	UseTLS    bool
	VerifyTLS bool

	// VesselID widens the accepted-context set beyond vessels.self. It may
	// be a urn:/mrn: identity or an mmsi:NNNN form.
	VesselID   string
	VesselName string

	// Token is the initial bearer token. Empty means unauthenticated until
	// an access-request handshake supplies one.
	Token string

	EnableNotifications bool

	// NotificationPaths is an optional allow-list of path prefixes. Empty
	// dispatches all notifications.
	NotificationPaths []string
}

// StreamURL is the delta stream endpoint. subscribe=none keeps the server
// from auto-streaming; the coordinator controls subscriptions explicitly.
func (c Config) StreamURL() string {
	scheme := "ws"
	if c.UseTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/signalk/v1/stream?subscribe=none", scheme, c.Host, c.port())
}

// RESTBaseURL is the server's HTTP surface, e.g. "http://host:3000".
func (c Config) RESTBaseURL() string {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.port())
}

func (c Config) port() int {
	if c.Port > 0 {
		return c.Port
	}
	return 3000
}

// acceptedContexts synthesizes the context filter from the vessel identity.
func (c Config) acceptedContexts() []string {
	accepted := []string{signalk.SelfContext}

	id := strings.TrimSpace(c.VesselID)
	if id != "" && id != "self" && id != signalk.SelfContext {
		accepted = append(accepted, id)
	}

	return accepted
}

// CoordinatorBuilder provides a fluent interface for building coordinators.
type CoordinatorBuilder struct {
	config         Config
	logger         *zap.Logger
	dialTimeout    time.Duration
	idleTimeout    time.Duration
	heartbeat      time.Duration
	coalesceWindow time.Duration
	stalenessTick  time.Duration
	authManager    *auth.Manager
	backoff        *Backoff
	metrics        o11y.MetricsProvider
	onSnapshot     func(values map[string]any)
	onReauth       func()
}

// NewCoordinator creates a coordinator builder with the standard timings:
// 10 s dial timeout, 45 s frame inactivity timeout, 30 s heartbeat, 500 ms
// coalescing window and a 60 s staleness tick.
func NewCoordinator() *CoordinatorBuilder {
	return &CoordinatorBuilder{
		logger:         zap.NewNop(),
		dialTimeout:    10 * time.Second,
		idleTimeout:    45 * time.Second,
		heartbeat:      30 * time.Second,
		coalesceWindow: 500 * time.Millisecond,
		stalenessTick:  60 * time.Second,
	}
}

// WithConfig sets the server and vessel configuration.
func (b *CoordinatorBuilder) WithConfig(config Config) *CoordinatorBuilder {
	b.config = config
	return b
}

// WithLogger sets the logger.
func (b *CoordinatorBuilder) WithLogger(logger *zap.Logger) *CoordinatorBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDialTimeout overrides the WebSocket handshake timeout.
func (b *CoordinatorBuilder) WithDialTimeout(timeout time.Duration) *CoordinatorBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithIdleTimeout overrides the frame inactivity timeout.
func (b *CoordinatorBuilder) WithIdleTimeout(timeout time.Duration) *CoordinatorBuilder {
	if timeout > 0 {
		b.idleTimeout = timeout
	}
	return b
}

// WithCoalesceWindow overrides the snapshot coalescing window.
func (b *CoordinatorBuilder) WithCoalesceWindow(window time.Duration) *CoordinatorBuilder {
	if window > 0 {
		b.coalesceWindow = window
	}
	return b
}

// WithAuthManager shares an externally owned auth manager. By default the
// coordinator creates its own from Config.Token.
func (b *CoordinatorBuilder) WithAuthManager(manager *auth.Manager) *CoordinatorBuilder {
	b.authManager = manager
	return b
}

// WithBackoff overrides the reconnect schedule.
func (b *CoordinatorBuilder) WithBackoff(backoff *Backoff) *CoordinatorBuilder {
	if backoff != nil {
		b.backoff = backoff
	}
	return b
}

// WithMetricsProvider enables metrics instruments on the coordinator's
// counters.
func (b *CoordinatorBuilder) WithMetricsProvider(provider o11y.MetricsProvider) *CoordinatorBuilder {
	b.metrics = provider
	return b
}

// WithSnapshotFunc registers the consumer of coalesced latest-value
// snapshots. The function receives a fresh clone on every flush.
func (b *CoordinatorBuilder) WithSnapshotFunc(fn func(values map[string]any)) *CoordinatorBuilder {
	b.onSnapshot = fn
	return b
}

// WithReauthFunc registers the callback fired exactly once per transition
// into the failed auth state, typically to launch an access-request
// handshake.
func (b *CoordinatorBuilder) WithReauthFunc(fn func()) *CoordinatorBuilder {
	b.onReauth = fn
	return b
}

// Build validates the configuration and returns a coordinator ready to
// Start.
func (b *CoordinatorBuilder) Build() (*Coordinator, error) {
	if b.config.Host == "" {
		return nil, fmt.Errorf("host is required")
	}

	authManager := b.authManager
	if authManager == nil {
		authManager = auth.NewManager(b.config.Token)
	}

	backoff := b.backoff
	if backoff == nil {
		backoff = NewBackoff()
	}

	c := &Coordinator{
		cfg:            b.config,
		logger:         b.logger,
		wsURL:          b.config.StreamURL(),
		accepted:       b.config.acceptedContexts(),
		auth:           authManager,
		onSnapshot:     b.onSnapshot,
		onReauth:       b.onReauth,
		dialTimeout:    b.dialTimeout,
		idleTimeout:    b.idleTimeout,
		heartbeat:      b.heartbeat,
		coalesceWindow: b.coalesceWindow,
		stalenessTick:  b.stalenessTick,
		backoff:        backoff,
		limiter:        newLogLimiter(60 * time.Second),
		values:         make(map[string]any),
		sources:        make(map[string]string),
		timestamps:     make(map[string]time.Time),
		notifySeen:     make(map[string]dedupEntry),
		listeners:      make(map[int]NotificationListener),
	}

	if b.metrics != nil {
		c.messagesMetric = b.metrics.Counter("signalk_messages_total")
		c.parseErrorsMetric = b.metrics.Counter("signalk_parse_errors_total")
		c.reconnectsMetric = b.metrics.Counter("signalk_reconnects_total")
		c.notificationsMetric = b.metrics.Counter("signalk_notifications_total")
	}

	return c, nil
}

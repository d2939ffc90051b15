package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tsarna/seastream/pkg/seastream/auth"
	"github.com/tsarna/seastream/pkg/seastream/o11y"
	"github.com/tsarna/seastream/pkg/seastream/signalk"
)

// StaleAfter is the age beyond which a per-path value is considered stale.
// The coordinator never evicts stale values; it surfaces timestamps so
// consumers can decide.
const StaleAfter = 300 * time.Second

// errAuthRejected marks a 401/403 at the WebSocket handshake. It terminates
// the supervision loop instead of reconnecting.
var errAuthRejected = errors.New("authentication rejected")

// Coordinator owns the WebSocket session to a Signal K server, the
// subscription set, the latest-value cache and the observable health state.
// A single supervising goroutine drives the connection; readers get cloned
// snapshots.
type Coordinator struct {
	cfg      Config
	logger   *zap.Logger
	wsURL    string
	accepted []string

	auth       *auth.Manager
	onSnapshot func(values map[string]any)
	onReauth   func()

	dialTimeout    time.Duration
	idleTimeout    time.Duration
	heartbeat      time.Duration
	coalesceWindow time.Duration
	stalenessTick  time.Duration

	backoff *Backoff
	limiter *logLimiter

	mu             sync.RWMutex
	running        bool
	stopped        bool
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	conn           *websocket.Conn
	connState      ConnState
	lastError      string
	values         map[string]any
	sources        map[string]string
	timestamps     map[string]time.Time
	stats          Stats
	subs           []signalk.PathSpec
	subsVersion    int
	notifySeen     map[string]dedupEntry
	listeners      map[int]NotificationListener
	nextListenerID int
	flushTimer     *time.Timer
	flushPending   bool

	// Serializes frame writes (initial subscribe, resubscribes, pings).
	writeMu sync.Mutex

	messagesMetric      o11y.Counter
	parseErrorsMetric   o11y.Counter
	reconnectsMetric    o11y.Counter
	notificationsMetric o11y.Counter
}

// Start spawns the supervising goroutine. It is idempotent while running.
// After Stop the coordinator cannot be restarted.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("coordinator is stopped")
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}

	c.running = true
	// A restart after an auth-failure exit replaces the session context;
	// cancel the old one so the previous session's timer goroutines die.
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})
	ctx := c.ctx
	c.mu.Unlock()

	go c.run(ctx)
	go c.stalenessLoop(ctx)

	return nil
}

// Stop signals shutdown, cancels the timers, closes the socket and awaits
// the supervising goroutine. It is terminal: the connection state ends at
// Disconnected and no further snapshots are published.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	done := c.done
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushPending = false
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.connState = StateDisconnected
	c.mu.Unlock()

	c.logger.Info("Streaming coordinator stopped")
	return nil
}

// run is the supervision loop: dial, subscribe, read until the session
// ends, then dispatch on the disconnect reason.
func (c *Coordinator) run(ctx context.Context) {
	defer func() {
		c.setConnState(StateDisconnected)
		c.mu.Lock()
		c.running = false
		done := c.done
		c.mu.Unlock()
		close(done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		c.setConnState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errAuthRejected) {
				c.handleAuthFailure(err)
				return
			}
			c.recordError(err.Error())
			c.logger.Warn("Stream connection failed", zap.Error(err))
			if !c.waitBackoff(ctx) {
				return
			}
			continue
		}

		c.setConnState(StateSubscribing)
		sentVersion, err := c.writeSubscribe(ctx, conn)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "subscribe failed")
			c.recordError(err.Error())
			c.logger.Warn("Subscribe failed", zap.Error(err))
			if !c.waitBackoff(ctx) {
				return
			}
			continue
		}

		c.setConn(conn)
		c.backoff.Reset()
		c.setConnState(StateConnected)
		c.logger.Info("Connected to Signal K stream", zap.String("url", c.wsURL))

		if err := c.resubscribeIfChanged(ctx, conn, sentVersion); err != nil {
			conn.Close(websocket.StatusInternalError, "subscribe failed")
			c.setConn(nil)
			c.recordError(err.Error())
			c.logger.Warn("Subscribe failed", zap.Error(err))
			if !c.waitBackoff(ctx) {
				return
			}
			continue
		}

		reason := c.readSession(ctx, conn)
		c.setConn(nil)

		switch reason {
		case reasonShutdown:
			conn.Close(websocket.StatusNormalClosure, "client shutdown")
			return
		case reasonAuthFailure:
			conn.Close(websocket.StatusPolicyViolation, "authentication failed")
			c.handleAuthFailure(errAuthRejected)
			return
		default:
			conn.Close(websocket.StatusGoingAway, "reconnecting")
			if !c.waitBackoff(ctx) {
				return
			}
		}
	}
}

// dial opens the WebSocket with the handshake timeout, bearer token header
// and TLS verification settings from the configuration.
func (c *Coordinator) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if token := c.auth.Token(); token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+token)
	}
	if c.cfg.UseTLS && !c.cfg.VerifyTLS {
		opts.HTTPClient = &http.Client{
			Timeout: c.dialTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}

	conn, resp, err := websocket.Dial(dialCtx, c.wsURL, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("stream handshake rejected with %d: %w",
				resp.StatusCode, errAuthRejected)
		}
		return nil, fmt.Errorf("dialing %s: %w", c.wsURL, err)
	}

	// Full vessel deltas can be large; the library default read limit of
	// 32 KiB is too small.
	conn.SetReadLimit(1 << 20)

	return conn, nil
}

// writeSubscribe sends the canonical subscribe message for the current
// path set as a single text frame. It returns the version of the set it
// sent so callers can detect changes that landed while the send was in
// flight.
func (c *Coordinator) writeSubscribe(ctx context.Context, conn *websocket.Conn) (int, error) {
	c.mu.RLock()
	specs := append([]signalk.PathSpec(nil), c.subs...)
	version := c.subsVersion
	c.mu.RUnlock()

	msg := signalk.BuildSubscribe(signalk.SelfContext, specs)
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encoding subscribe message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return 0, fmt.Errorf("sending subscribe message: %w", err)
	}

	c.logger.Debug("Subscribe sent", zap.Int("paths", len(msg.Subscribe)))
	return version, nil
}

// resubscribeIfChanged resends the subscribe message when the path set
// changed while the previous send was in flight. UpdatePaths only writes to
// a Connected session, so a change landing during Subscribing would
// otherwise wait for the next change or reconnect.
func (c *Coordinator) resubscribeIfChanged(ctx context.Context, conn *websocket.Conn, sentVersion int) error {
	for {
		c.mu.RLock()
		current := c.subsVersion
		c.mu.RUnlock()
		if current == sentVersion {
			return nil
		}

		version, err := c.writeSubscribe(ctx, conn)
		if err != nil {
			return err
		}
		sentVersion = version
	}
}

// readSession consumes frames until the session ends and classifies why.
// A read is bounded by the inactivity timeout; hitting it closes the
// connection and forces a reconnect.
func (c *Coordinator) readSession(ctx context.Context, conn *websocket.Conn) disconnectReason {
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeatLoop(heartbeatCtx, conn)

	for {
		readCtx, cancel := context.WithTimeout(ctx, c.idleTimeout)
		typ, data, err := conn.Read(readCtx)
		cancel()

		if err != nil {
			switch {
			case ctx.Err() != nil:
				return reasonShutdown
			case errors.Is(err, context.DeadlineExceeded):
				c.recordError("Inactivity timeout")
				return reasonInactivity
			}
			if status := websocket.CloseStatus(err); status != -1 {
				c.recordError(fmt.Sprintf("connection closed by server (%d)", status))
				switch status {
				case websocket.StatusProtocolError,
					websocket.StatusUnsupportedData,
					websocket.StatusInvalidFramePayloadData:
					return reasonProtocolError
				}
				return reasonPeerClose
			}
			c.recordError(err.Error())
			return reasonTransport
		}

		if typ == websocket.MessageText {
			c.ingest(data)
		}
	}
}

// heartbeatLoop sends protocol-level pings. A failed ping breaks the
// connection, which the read loop observes and turns into a reconnect.
func (c *Coordinator) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// waitBackoff enters Reconnecting and sleeps the next backoff delay.
// Returns false when shutdown interrupted the wait.
func (c *Coordinator) waitBackoff(ctx context.Context) bool {
	c.setConnState(StateReconnecting)

	c.mu.Lock()
	c.stats.Reconnects++
	c.mu.Unlock()
	c.addMetric(c.reconnectsMetric, 1)

	delay := c.backoff.Next()
	c.logger.Info("Reconnecting", zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleAuthFailure records the failure, moves auth to failed and fires
// the reauth callback exactly once per transition into the failed state.
func (c *Coordinator) handleAuthFailure(err error) {
	msg := truncate(err.Error(), maxErrorLen)
	c.recordError(msg)

	alreadyFailed := c.auth.State() == auth.StateFailed
	c.auth.MarkFailure(msg)
	c.logger.Warn("Authentication failed, session stopped", zap.String("error", msg))

	if !alreadyFailed && c.onReauth != nil {
		c.onReauth()
	}
}

func (c *Coordinator) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// setConnState transitions the connection state. Availability changes are
// published immediately rather than waiting out the coalescing window.
func (c *Coordinator) setConnState(state ConnState) {
	c.mu.Lock()
	changed := c.connState != state
	c.connState = state
	c.mu.Unlock()

	if changed {
		c.flushNow()
	}
}

func (c *Coordinator) recordError(msg string) {
	c.mu.Lock()
	c.lastError = truncate(msg, maxErrorLen)
	c.mu.Unlock()
}

// stalenessLoop periodically forces a flush so consumers re-evaluate
// per-path freshness against the timestamp map.
func (c *Coordinator) stalenessLoop(ctx context.Context) {
	ticker := time.NewTicker(c.stalenessTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushNow()
		}
	}
}

func (c *Coordinator) addMetric(counter o11y.Counter, n int64) {
	if counter != nil {
		counter.Add(context.Background(), n)
	}
}

// UpdatePaths replaces the subscription set. When the canonical set
// actually changed and a session is live, a fresh subscribe message is
// sent on the open socket; the connection is never torn down for this.
func (c *Coordinator) UpdatePaths(specs []signalk.PathSpec) error {
	clean := append([]signalk.PathSpec(nil), specs...)

	c.mu.Lock()
	changed := !specSetsEqual(c.subs, clean)
	c.subs = clean
	if changed {
		c.subsVersion++
	}
	conn := c.conn
	connected := c.connState == StateConnected
	ctx := c.ctx
	c.mu.Unlock()

	if !changed || !connected || conn == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := c.writeSubscribe(ctx, conn); err != nil {
		return fmt.Errorf("resubscribing: %w", err)
	}

	c.logger.Info("Subscription set updated", zap.Int("paths", len(clean)))
	return nil
}

// specSetsEqual compares two path sets after canonicalization (dedup,
// defaults applied, order ignored).
func specSetsEqual(a, b []signalk.PathSpec) bool {
	canon := func(specs []signalk.PathSpec) []signalk.SubscriptionEntry {
		entries := signalk.BuildSubscribe("", specs).Subscribe
		sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
		return entries
	}
	return slices.Equal(canon(a), canon(b))
}

// AddNotificationListener registers a listener for accepted notifications
// and returns its deregistration handle.
func (c *Coordinator) AddNotificationListener(listener NotificationListener) *ListenerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextListenerID
	c.nextListenerID++
	c.listeners[id] = listener

	return &ListenerHandle{coordinator: c, id: id}
}

// ConnectionState returns the current connection state.
func (c *Coordinator) ConnectionState() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connState
}

// LastError returns the most recent recorded error, empty if none.
func (c *Coordinator) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// LastMessage returns when the last frame was processed.
func (c *Coordinator) LastMessage() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.LastMessage
}

// Values returns a clone of the latest-value cache.
func (c *Coordinator) Values() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}

// Value returns the latest value for one path.
func (c *Coordinator) Value(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[path]
	return v, ok
}

// Sources returns a clone of the per-path source map.
func (c *Coordinator) Sources() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.sources)
}

// Timestamps returns a clone of the per-path update instants.
func (c *Coordinator) Timestamps() map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.timestamps)
}

// IsStale reports whether a path's last update is older than StaleAfter.
// A path with no recorded update is stale.
func (c *Coordinator) IsStale(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ts, ok := c.timestamps[path]
	return !ok || time.Since(ts) > StaleAfter
}

// Stats returns a copy of the health counters.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// LastBackoffDelay returns the most recent pre-jitter reconnect delay.
func (c *Coordinator) LastBackoffDelay() time.Duration {
	return c.backoff.Last()
}

// MessagesPerHour returns the message rate since the first message,
// rounded to two decimals, or nil before the first message.
func (c *Coordinator) MessagesPerHour() *float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ratePerHour(c.stats.Messages, c.stats.FirstMessageAt, time.Now())
}

// NotificationsPerHour returns the notification rate since the first
// accepted notification, or nil before it.
func (c *Coordinator) NotificationsPerHour() *float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ratePerHour(c.stats.Notifications, c.stats.FirstNotificationAt, time.Now())
}

// SubscribedPaths returns the canonical subscription paths in insertion
// order.
func (c *Coordinator) SubscribedPaths() []string {
	c.mu.RLock()
	specs := append([]signalk.PathSpec(nil), c.subs...)
	c.mu.RUnlock()

	entries := signalk.BuildSubscribe("", specs).Subscribe
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		paths = append(paths, entry.Path)
	}
	return paths
}

// AuthSummary returns a snapshot of the credential state.
func (c *Coordinator) AuthSummary() auth.Summary {
	return c.auth.Summary()
}

// Diagnostics is a JSON-encodable dump of the coordinator's health.
type Diagnostics struct {
	ConnectionState      string       `json:"connectionState"`
	LastError            string       `json:"lastError,omitempty"`
	Stats                Stats        `json:"stats"`
	MessagesPerHour      *float64     `json:"messagesPerHour"`
	NotificationsPerHour *float64     `json:"notificationsPerHour"`
	LastBackoffDelay     string       `json:"lastBackoffDelay"`
	SubscribedPaths      []string     `json:"subscribedPaths"`
	Auth                 auth.Summary `json:"auth"`
}

// DiagnosticReport assembles the full health dump.
func (c *Coordinator) DiagnosticReport() Diagnostics {
	return Diagnostics{
		ConnectionState:      c.ConnectionState().String(),
		LastError:            c.LastError(),
		Stats:                c.Stats(),
		MessagesPerHour:      c.MessagesPerHour(),
		NotificationsPerHour: c.NotificationsPerHour(),
		LastBackoffDelay:     c.LastBackoffDelay().String(),
		SubscribedPaths:      c.SubscribedPaths(),
		Auth:                 c.AuthSummary(),
	}
}

package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/elliotttmiller/sentinel.ai-sub002/src/metrics"
	"github.com/elliotttmiller/sentinel.ai-sub002/src/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// RegistryConfig controls admission and the welcome handshake.
type RegistryConfig struct {
	MaxConnections int
	ServerVersion  string
	Features       types.Features
}

// Registry is the single source of truth for live connections.
type Registry struct {
	cfg       RegistryConfig
	conns     map[string]*Connection
	channels  map[string]map[string]struct{}
	accepting bool
	mu        sync.RWMutex

	hooksMu      sync.RWMutex
	onConnect    []func(string)
	onDisconnect []func(string)

	clock    clockwork.Clock
	counters *counters
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry that accepts connections. A nil
// clock means the real clock; nil metrics are registered on a private
// Prometheus registry.
func NewRegistry(cfg RegistryConfig, clock clockwork.Clock, m *metrics.Metrics, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return newRegistry(cfg, clock, &counters{}, m, logger)
}

func newRegistry(cfg RegistryConfig, clock clockwork.Clock, c *counters, m *metrics.Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		conns:     make(map[string]*Connection),
		channels:  make(map[string]map[string]struct{}),
		accepting: true,
		clock:     clock,
		counters:  c,
		metrics:   m,
		logger:    logger.With().Str("component", "registry").Logger(),
	}
}

// Accept registers a transport and sends it the welcome frame. The
// connection is closed and never registered when the limit is reached or
// shutdown has begun; a failed welcome removes it again.
func (r *Registry) Accept(conn types.Conn, metadata map[string]string) (string, error) {
	r.mu.Lock()
	if !r.accepting {
		r.mu.Unlock()
		r.reject(conn, ReasonShutdown, "shutdown")
		return "", ErrShutdownInProgress
	}
	if len(r.conns) >= r.cfg.MaxConnections {
		count := len(r.conns)
		r.mu.Unlock()
		r.reject(conn, ReasonCapacity, "capacity")
		r.logger.Warn().
			Int("connections", count).
			Int("max_connections", r.cfg.MaxConnections).
			Msg("rejecting client: max connections reached")
		return "", ErrCapacityExceeded
	}

	now := r.clock.Now()
	c := newConnection(uuid.New().String(), conn, metadata, now)
	// Held until the welcome is written so no dispatched message can overtake it.
	c.writeMu.Lock()
	r.conns[c.ID] = c
	count := len(r.conns)
	r.mu.Unlock()

	r.counters.accepted.Add(1)
	r.metrics.ConnectionsAccepted.Inc()
	r.metrics.ActiveConnections.Set(float64(count))

	err := r.sendWelcome(c, now)
	c.writeMu.Unlock()
	if err != nil {
		r.Remove(c.ID, ReasonSendFailure)
		r.logger.Error().Err(err).Str("client_id", c.ID).Msg("welcome failed")
		return "", fmt.Errorf("send welcome: %w", err)
	}

	r.logger.Info().Str("client_id", c.ID).Int("connections", count).Msg("client registered")
	r.fire(r.connectHooks(), c.ID)
	return c.ID, nil
}

func (r *Registry) sendWelcome(c *Connection, now time.Time) error {
	data, err := json.Marshal(types.Welcome{
		Type:          "welcome",
		Timestamp:     now,
		ServerVersion: r.cfg.ServerVersion,
		ConnectionID:  c.ID,
		ServerTime:    now,
		Features:      r.cfg.Features,
	})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(data)
}

func (r *Registry) reject(conn types.Conn, reason CloseReason, label string) {
	r.counters.rejected.Add(1)
	r.metrics.ConnectionsRejected.WithLabelValues(label).Inc()
	_ = conn.WriteClose(reason.Code, reason.Text)
	_ = conn.Close()
}

// Remove unregisters and closes a connection. It reports whether an entry
// was removed; removing an unknown id is a no-op.
func (r *Registry) Remove(id string, reason CloseReason) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	c.mu.RLock()
	for _, ch := range c.channelList() {
		r.leave(ch, id)
	}
	c.mu.RUnlock()
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.ActiveConnections.Set(float64(count))
	r.metrics.Disconnects.WithLabelValues(reason.label()).Inc()

	if err := c.close(reason); err != nil {
		r.logger.Debug().Err(err).Str("client_id", id).Msg("close failed")
	}
	r.logger.Info().
		Str("client_id", id).
		Str("reason", reason.label()).
		Int("connections", count).
		Msg("client unregistered")
	r.fire(r.disconnectHooks(), id)
	return true
}

// OnConnect registers cb to run after a connection is registered and
// welcomed. Callbacks run on the accepting goroutine and must not block.
func (r *Registry) OnConnect(cb func(clientID string)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onConnect = append(r.onConnect, cb)
}

// OnDisconnect registers cb to run after a connection is removed, whatever
// the reason. Callbacks run on the removing goroutine and must not block.
func (r *Registry) OnDisconnect(cb func(clientID string)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onDisconnect = append(r.onDisconnect, cb)
}

func (r *Registry) connectHooks() []func(string) {
	r.hooksMu.RLock()
	defer r.hooksMu.RUnlock()
	return r.onConnect
}

func (r *Registry) disconnectHooks() []func(string) {
	r.hooksMu.RLock()
	defer r.hooksMu.RUnlock()
	return r.onDisconnect
}

func (r *Registry) fire(hooks []func(string), id string) {
	for _, cb := range hooks {
		cb(id)
	}
}

// Subscribe adds a live connection to channel. It reports false for an
// unknown id.
func (r *Registry) Subscribe(channel, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[string]struct{})
	}
	r.channels[channel][id] = struct{}{}
	c.addChannel(channel)
	return true
}

// Unsubscribe removes id from channel. It reports whether id was a member.
func (r *Registry) Unsubscribe(channel, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[channel][id]; !ok {
		return false
	}
	r.leave(channel, id)
	if c, ok := r.conns[id]; ok {
		c.removeChannel(channel)
	}
	return true
}

// leave drops id from channel and forgets empty channels. Callers hold r.mu.
func (r *Registry) leave(channel, id string) {
	subs, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.channels, channel)
	}
}

// Members returns the ids subscribed to channel right now.
func (r *Registry) Members(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.channels[channel]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	return ids
}

// Channels returns channel names with their subscriber counts.
func (r *Registry) Channels() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.channels))
	for ch, subs := range r.channels {
		out[ch] = len(subs)
	}
	return out
}

// Touch records a successful dispatcher send.
func (r *Registry) Touch(id string) {
	if c, ok := r.Get(id); ok {
		c.touch(r.clock.Now())
	}
}

// Seen records inbound traffic from the client without counting a send.
func (r *Registry) Seen(id string) {
	if c, ok := r.Get(id); ok {
		c.seen(r.clock.Now())
	}
}

// Get returns the live connection for id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Snapshot returns the ids registered right now.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Infos returns metadata for every live connection.
func (r *Registry) Infos() []types.ClientInfo {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	infos := make([]types.ClientInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	return infos
}

// Uptimes maps connection ids to their connect time.
func (r *Registry) Uptimes() map[string]time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]time.Time, len(r.conns))
	for id, c := range r.conns {
		out[id] = c.connectedAt
	}
	return out
}

// CloseAll stops admission and removes every connection with reason.
func (r *Registry) CloseAll(reason CloseReason) int {
	r.mu.Lock()
	r.accepting = false
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.Remove(id, reason) {
			n++
		}
	}
	return n
}

// StopAccepting rejects further Accept calls with ErrShutdownInProgress.
func (r *Registry) StopAccepting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepting = false
}

// Reopen lets Accept admit connections again.
func (r *Registry) Reopen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepting = true
}

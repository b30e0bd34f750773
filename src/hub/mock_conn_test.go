package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/elliotttmiller/sentinel.ai-sub002/config"
	"github.com/elliotttmiller/sentinel.ai-sub002/src/metrics"
	"github.com/elliotttmiller/sentinel.ai-sub002/src/types"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

// mockConn implements types.Conn for testing without a real WebSocket.
type mockConn struct {
	mu          sync.Mutex
	written     [][]byte
	writeErr    error
	closed      bool
	closeCode   int
	closeReason string

	// stall, when set, blocks writes until it is closed or the conn is closed.
	stall    chan struct{}
	readCh   chan []byte
	closedCh chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:   make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *mockConn) WriteMessage(data []byte) error {
	m.mu.Lock()
	stall := m.stall
	m.mu.Unlock()
	if stall != nil {
		select {
		case <-stall:
		case <-m.closedCh:
			return errConnClosed
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errConnClosed
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.written = append(m.written, cp)
	return nil
}

func (m *mockConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-m.readCh:
		return data, nil
	case <-m.closedCh:
		return nil, errConnClosed
	}
}

func (m *mockConn) WriteClose(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errConnClosed
	}
	m.closeCode = code
	m.closeReason = reason
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) failWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) closeInfo() (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCode, m.closeReason
}

func (m *mockConn) getWritten() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([][]byte, len(m.written))
	copy(cp, m.written)
	return cp
}

// messages decodes every written frame.
func (m *mockConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range m.getWritten() {
		var msg map[string]any
		require.NoError(t, json.Unmarshal(frame, &msg))
		out = append(out, msg)
	}
	return out
}

// messagesOfType returns decoded frames whose type matches.
func (m *mockConn) messagesOfType(t *testing.T, msgType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, msg := range m.messages(t) {
		if msg["type"] == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func newTestRegistry(max int, clock clockwork.Clock) *Registry {
	return newRegistry(RegistryConfig{
		MaxConnections: max,
		ServerVersion:  "test",
		Features:       types.Features{Batching: true, HeartbeatIntervalSeconds: 30},
	}, clock, &counters{}, testMetrics(), zerolog.Nop())
}

func testConfig() *config.SocketConfig {
	cfg := config.DefaultConfig()
	cfg.BroadcastMetrics = false
	return cfg
}

// nopSampler keeps gopsutil out of unit tests.
type nopSampler struct{}

func (nopSampler) Sample() (float64, float64, error) { return 12.5, 64, nil }

// newTestHub creates a hub and starts its workers.
func newTestHub(t *testing.T, cfg *config.SocketConfig, opts ...Option) *Hub {
	t.Helper()
	opts = append([]Option{WithProcessSampler(nopSampler{})}, opts...)
	h, err := New(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	h.Start()
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return h
}

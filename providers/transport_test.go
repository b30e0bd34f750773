package providers

import (
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/elliotttmiller/sentinel.ai-sub002/config"
	"github.com/elliotttmiller/sentinel.ai-sub002/src/types"
	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// serveInMemory runs the plugin behind a fasthttp server on an in-memory
// listener and returns a dial func for clients.
func serveInMemory(t *testing.T, cfg *config.SocketConfig) (*SocketPlugin, func() (net.Conn, error)) {
	t.Helper()
	p := newTestPlugin(t, cfg)
	app := fiber.New()
	p.RegisterRoutes(app)

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: p.Handler(app.Handler())}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })
	return p, ln.Dial
}

func dialWS(t *testing.T, dial func() (net.Conn, error)) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{
		NetDial:          func(_, _ string) (net.Conn, error) { return dial() },
		HandshakeTimeout: 2 * time.Second,
	}
	conn, _, err := d.Dial("ws://socket.test/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocketWelcomeAndBroadcast(t *testing.T) {
	p, dial := serveInMemory(t, testSocketConfig())
	conn := dialWS(t, dial)

	welcome := readFrame(t, conn)
	assert.Equal(t, "welcome", welcome["type"])
	id, _ := welcome["connectionId"].(string)
	require.NotEmpty(t, id)
	assert.Eventually(t, func() bool { return p.Hub().ClientInfo(id) != nil }, time.Second, 10*time.Millisecond)

	bid, err := p.Service().Publish(t.Context(), "news", map[string]any{"headline": "up"})
	require.NoError(t, err)
	require.NotEmpty(t, bid)

	msg := readFrame(t, conn)
	assert.Equal(t, "news", msg["type"])
	assert.Equal(t, "up", msg["headline"])
	assert.Equal(t, bid, msg["broadcastId"])
}

func TestWebSocketClientCloseRemovesConnection(t *testing.T) {
	p, dial := serveInMemory(t, testSocketConfig())
	conn := dialWS(t, dial)
	readFrame(t, conn)
	require.Equal(t, 1, p.Hub().ClientCount())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return p.Hub().ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketCapacityClose(t *testing.T) {
	cfg := testSocketConfig()
	cfg.MaxConnections = 1
	p, dial := serveInMemory(t, cfg)

	first := dialWS(t, dial)
	readFrame(t, first)

	second := dialWS(t, dial)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()

	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, types.CloseTryAgainLater, closeErr.Code)
	assert.Equal(t, 1, p.Hub().ClientCount())
}

func TestWebSocketShutdownCloseCode(t *testing.T) {
	p, dial := serveInMemory(t, testSocketConfig())
	conn := dialWS(t, dial)
	readFrame(t, conn)

	require.NoError(t, p.Deactivate(t.Context()))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func httpGet(t *testing.T, dial func() (net.Conn, error), url string) (int, string) {
	t.Helper()
	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return dial() }}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	require.NoError(t, client.DoTimeout(req, resp, 2*time.Second))
	return resp.StatusCode(), string(resp.Body())
}

func TestUpgradeRequired(t *testing.T) {
	_, dial := serveInMemory(t, testSocketConfig())
	code, body := httpGet(t, dial, "http://socket.test/ws")
	assert.Equal(t, fasthttp.StatusUpgradeRequired, code)
	assert.Contains(t, body, "upgrade_required")
}

func TestHandlerFallsThroughToRoutes(t *testing.T) {
	_, dial := serveInMemory(t, testSocketConfig())
	code, body := httpGet(t, dial, "http://socket.test/health")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, body, `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	_, dial := serveInMemory(t, testSocketConfig())
	conn := dialWS(t, dial)
	readFrame(t, conn)

	code, body := httpGet(t, dial, "http://socket.test/metrics")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, body, "socket_active_connections 1")
	assert.Contains(t, body, "socket_connections_accepted_total 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestWebSocketChannelSubscription(t *testing.T) {
	p, dial := serveInMemory(t, testSocketConfig())
	sub := dialWS(t, dial)
	readFrame(t, sub)
	other := dialWS(t, dial)
	readFrame(t, other)

	require.NoError(t, sub.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","channel":"scores"}`)))
	assert.Eventually(t, func() bool { return p.Service().GetChannels()["scores"] == 1 }, 2*time.Second, 10*time.Millisecond)

	bid, err := p.Service().PublishChannel(t.Context(), "scores", "goal", map[string]any{"team": "home"})
	require.NoError(t, err)
	require.NotEmpty(t, bid)

	msg := readFrame(t, sub)
	assert.Equal(t, "goal", msg["type"])
	assert.Equal(t, "scores", msg["channel"])
	assert.Equal(t, "home", msg["team"])

	// the unsubscribed client gets nothing
	require.NoError(t, other.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err = other.ReadMessage()
	assert.Error(t, err)
}

package providers

import (
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
)

// FastHTTPHandler returns a raw fasthttp handler for WebSocket upgrades.
// Register this on the fasthttp server at the "/ws" path.
func (p *SocketPlugin) FastHTTPHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !websocket.FastHTTPIsWebSocketUpgrade(ctx) {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		h := p.Hub()
		if h == nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}

		// The request context is recycled once the connection is hijacked.
		metadata := map[string]string{
			"user_agent":  string(ctx.UserAgent()),
			"remote_addr": ctx.RemoteAddr().String(),
		}
		writeTimeout := p.cfg.WriteDeadline()
		logger := p.logger

		err := p.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			if err := h.ServeConn(newFastHTTPConn(conn, writeTimeout), metadata); err != nil {
				logger.Debug().Err(err).Str("remote_addr", metadata["remote_addr"]).Msg("connection refused")
			}
		})
		if err != nil {
			logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// Handler routes /ws to the upgrade handler and /metrics to Prometheus;
// everything else goes to next, usually the Fiber app handler.
func (p *SocketPlugin) Handler(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	ws := p.FastHTTPHandler()
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/ws":
			ws(ctx)
		case "/metrics":
			p.serveMetrics(ctx)
		default:
			next(ctx)
		}
	}
}

func (p *SocketPlugin) serveMetrics(ctx *fasthttp.RequestCtx) {
	p.mu.RLock()
	handler := p.metricsHandler
	p.mu.RUnlock()
	if handler == nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}
	handler(ctx)
}

// fasthttpConn wraps fasthttp/websocket.Conn to satisfy types.Conn. Every
// write carries the configured deadline.
type fasthttpConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func newFastHTTPConn(conn *websocket.Conn, writeTimeout time.Duration) *fasthttpConn {
	return &fasthttpConn{conn: conn, writeTimeout: writeTimeout}
}

func (f *fasthttpConn) WriteMessage(data []byte) error {
	if err := f.conn.SetWriteDeadline(time.Now().Add(f.writeTimeout)); err != nil {
		return err
	}
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

func (f *fasthttpConn) ReadMessage() ([]byte, error) {
	_, data, err := f.conn.ReadMessage()
	return data, err
}

func (f *fasthttpConn) WriteClose(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return f.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(f.writeTimeout))
}

func (f *fasthttpConn) Close() error { return f.conn.Close() }

package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/liteclaw/clawgate/internal/gateway/protocol"
)

// wsTransport adapts a gorilla connection to Transport. One message is one frame.
type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, maxPayload int64) *wsTransport {
	if maxPayload > 0 {
		conn.SetReadLimit(maxPayload)
	}
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteFrame(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (s *Server) handleWebSocket(c echo.Context) error {
	r := c.Request()

	if !s.conns.Accepting() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "gateway is shutting down")
	}
	if s.conns.Full() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "too many connections")
	}

	auth, err := s.auth.Authenticate(r)
	if err != nil {
		var gwErr *protocol.Error
		if errors.As(err, &gwErr) {
			return echo.NewHTTPError(http.StatusUnauthorized, gwErr.Message)
		}
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.auth.CheckOrigin,
	}
	ws, err := upgrader.Upgrade(c.Response(), r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("WebSocket upgrade failed")
		return nil
	}

	hs := Handshake{
		Client:     clientFromRequest(r),
		Auth:       auth,
		RemoteAddr: c.RealIP(),
	}
	transport := newWSTransport(ws, s.cfg.Gateway.MaxPayloadBytes)
	if err := s.conns.Serve(s.connContext(), transport, hs); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		s.logger.Debug().Err(err).Msg("WebSocket connection ended")
	}
	return nil
}

// clientFromRequest reads optional client identity from upgrade headers or query.
func clientFromRequest(r *http.Request) protocol.ClientInfo {
	pick := func(header, query string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return r.URL.Query().Get(query)
	}
	return protocol.ClientInfo{
		ID:          pick("X-Clawgate-Client", "client"),
		DisplayName: pick("X-Clawgate-Client-Name", "name"),
		Version:     pick("X-Clawgate-Client-Version", "version"),
		Mode:        pick("X-Clawgate-Client-Mode", "mode"),
	}
}

package transport

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dynamq/dynamq/internal/broker"
	"github.com/dynamq/dynamq/internal/logger"
)

// WSServer is the WebSocket listener surface (spec.md §4.9): an HTTP server
// whose single route upgrades to a websocket.Conn, wrapped in wsConn to
// present a net.Conn to the shared serve loop. Mirrors the request/response
// framing of a raw TCP socket: one binary WS message in, one binary WS
// message out, MQTT bytes unchanged in between.
type WSServer struct {
	addr      string
	path      string
	broker    *broker.Context
	admission *broker.Admission
	logger    *logger.Logger

	server   *http.Server
	upgrader websocket.Upgrader
}

func NewWS(addr, path string, b *broker.Context, admission *broker.Admission, logger *logger.Logger) *WSServer {
	if path == "" {
		path = "/mqtt"
	}
	return &WSServer{
		addr:      addr,
		path:      path,
		broker:    b,
		admission: admission,
		logger:    logger,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}
}

func (srv *WSServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(srv.path, func(w http.ResponseWriter, r *http.Request) {
		srv.handle(ctx, w, r)
	})

	srv.server = &http.Server{Addr: srv.addr, Handler: mux}

	listener, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return err
	}

	go func() {
		if err := srv.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			srv.logger.Warn("websocket server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (srv *WSServer) Stop() error {
	if srv.server == nil {
		return nil
	}
	return srv.server.Close()
}

func (srv *WSServer) handle(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn := &wsConn{ws: ws}
	serve(ctx, srv.broker, srv.admission, conn, r.RemoteAddr, srv.logger)
}

// wsConn adapts a gorilla/websocket connection to net.Conn so the MQTT
// read/dispatch loop in serve doesn't need to know the transport is framed
// as whole WebSocket messages rather than a raw byte stream.
type wsConn struct {
	ws      *websocket.Conn
	reader  *wsReadBuf
	writeMu sync.Mutex
}

type wsReadBuf struct {
	data []byte
	pos  int
}

func (c *wsConn) Read(b []byte) (int, error) {
	if c.reader != nil && c.reader.pos < len(c.reader.data) {
		n := copy(b, c.reader.data[c.reader.pos:])
		c.reader.pos += n
		if c.reader.pos >= len(c.reader.data) {
			c.reader = nil
		}
		return n, nil
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, err
	}

	n := copy(b, data)
	if n < len(data) {
		c.reader = &wsReadBuf{data: data, pos: n}
	}
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

var _ net.Conn = (*wsConn)(nil)

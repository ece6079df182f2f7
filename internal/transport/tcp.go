package transport

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/dynamq/dynamq/internal/broker"
	"github.com/dynamq/dynamq/internal/logger"
)

// TCPServer is the plain-TCP listener surface. It accepts connections and
// hands each off to the shared serve loop; it holds no MQTT semantics
// itself.
type TCPServer struct {
	addr      string
	broker    *broker.Context
	admission *broker.Admission
	logger    *logger.Logger

	listener       net.Listener
	isShuttingDown atomic.Bool
}

// New creates a TCP listener bound to addr (host:port), driving every
// accepted connection through b.
func New(addr string, b *broker.Context, admission *broker.Admission, logger *logger.Logger) *TCPServer {
	return &TCPServer{
		addr:      addr,
		broker:    b,
		admission: admission,
		logger:    logger,
	}
}

func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

func (srv *TCPServer) Stop() error {
	srv.isShuttingDown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if srv.isShuttingDown.Load() || ctx.Err() != nil {
				return
			}
			srv.logger.Warn("accept error", slog.String("error", err.Error()))
			continue
		}
		go serve(ctx, srv.broker, srv.admission, conn, conn.RemoteAddr().String(), srv.logger)
	}
}

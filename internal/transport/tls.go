package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/dynamq/dynamq/internal/broker"
	"github.com/dynamq/dynamq/internal/logger"
)

// TLSServer is the TLS listener surface (spec.md §4.9): identical accept
// loop to TCPServer, wrapped in tls.Listen with the supplied cert material.
type TLSServer struct {
	addr      string
	tlsConfig *tls.Config
	broker    *broker.Context
	admission *broker.Admission
	logger    *logger.Logger

	listener       net.Listener
	isShuttingDown atomic.Bool
}

func NewTLS(addr string, tlsConfig *tls.Config, b *broker.Context, admission *broker.Admission, logger *logger.Logger) *TLSServer {
	return &TLSServer{
		addr:      addr,
		tlsConfig: tlsConfig,
		broker:    b,
		admission: admission,
		logger:    logger,
	}
}

func (srv *TLSServer) Start(ctx context.Context) error {
	listener, err := tls.Listen("tcp", srv.addr, srv.tlsConfig)
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

func (srv *TLSServer) Stop() error {
	srv.isShuttingDown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TLSServer) accept(ctx context.Context) {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if srv.isShuttingDown.Load() || ctx.Err() != nil {
				return
			}
			srv.logger.Warn("tls accept error", slog.String("error", err.Error()))
			continue
		}
		go serve(ctx, srv.broker, srv.admission, conn, conn.RemoteAddr().String(), srv.logger)
	}
}

package rpc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/echenim/bftnode/internal/config"
	"go.uber.org/zap"
)

// Server is the node's external JSON/HTTP surface. It replaces a
// gRPC+gateway pair with a single http.Server: every handler speaks plain
// encoding/json, so there is no separate transcoding layer to keep in
// sync with a protobuf schema.
type Server struct {
	httpServer  *http.Server
	mux         *http.ServeMux
	nodeService *NodeServiceImpl
	cfg         config.RPCConfig
	logger      *zap.Logger
	lis         net.Listener
}

// NewServer builds an RPC server listening on cfg.Addr once Start is
// called. Handlers are registered by RegisterNodeService.
func NewServer(cfg config.RPCConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	s := &Server{
		mux:    mux,
		cfg:    cfg,
		logger: logger,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      withLogging(logger, withRecovery(logger, mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// RegisterNodeService wires svc's handlers onto the server's mux.
func (s *Server) RegisterNodeService(svc *NodeServiceImpl) {
	s.nodeService = svc
	s.mux.HandleFunc("/status", svc.handleStatus)
	s.mux.HandleFunc("/tx", svc.handleSubmitTransaction)
	s.mux.HandleFunc("/block", svc.handleGetBlock)
	s.mux.HandleFunc("/blocks/subscribe", svc.handleSubscribeBlocks)
	s.mux.HandleFunc("/validators", svc.handleGetValidators)
	s.mux.HandleFunc("/health", handleHealth)
}

// Start begins serving.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.lis, err = net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", s.cfg.Addr, err)
	}

	s.logger.Info("rpc server starting", zap.String("addr", s.lis.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(s.lis); err != nil && err != http.ErrServerClosed {
			s.logger.Error("rpc server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Name returns the service name, used by the node's service manager.
func (s *Server) Name() string {
	return "rpc"
}

// Addr returns the address the server is actually listening on.
func (s *Server) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.cfg.Addr
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

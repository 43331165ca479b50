package queryservice

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jimmyyip-crypto/chain/attestation"
	"github.com/jimmyyip-crypto/chain/channel"
	"github.com/jimmyyip-crypto/chain/groupkey"
	"github.com/jimmyyip-crypto/chain/metrics"
	"github.com/jimmyyip-crypto/chain/shared"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Wallets authenticate through the attested handshake, not the
		// browser origin.
		return true
	},
}

// Server terminates both client-facing websocket connections and the peer
// enclave listener. Every connection is upgraded to a secure channel before
// any application traffic flows.
type Server struct {
	cfg      *shared.Config
	platform shared.Platform
	verifier *attestation.Verifier
	service  *Service
	store    *groupkey.Store
	logger   *shared.Logger
	metrics  *metrics.NodeMetrics

	httpServer   *http.Server
	peerListener net.Listener
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewServer wires the query service and group key store behind the node's
// two listeners.
func NewServer(cfg *shared.Config, platform shared.Platform, verifier *attestation.Verifier, service *Service, store *groupkey.Store, logger *shared.Logger, m *metrics.NodeMetrics) *Server {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Server{
		cfg:      cfg,
		platform: platform,
		verifier: verifier,
		service:  service,
		store:    store,
		logger:   logger,
		metrics:  m,
	}
}

// Start opens the wallet and peer listeners and serves until Shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.handleWallet(ctx, w, r)
	})
	s.httpServer = &http.Server{Addr: s.cfg.ListenAddr, Handler: mux}

	peerListener, err := shared.ListenPeer(s.cfg)
	if err != nil {
		return err
	}
	s.peerListener = peerListener

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.logger.InfoIf("wallet listener started", zap.String("addr", s.cfg.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("wallet listener failed", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.acceptPeers(ctx)
	}()
	return nil
}

// Shutdown stops both listeners and waits for connection handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.peerListener != nil {
		s.peerListener.Close()
	}
	s.wg.Wait()
	return err
}

// handleWallet upgrades one wallet connection to a secure channel and serves
// queries on it. Wallets do not attest; only the enclave side proves itself.
func (s *Server) handleWallet(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := shared.NewWSConn(wsConn)

	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	ch, err := channel.Establish(hsCtx, conn, channel.Config{
		Role:     channel.RoleResponder,
		Platform: s.platform,
		Verifier: s.verifier,
		Logger:   s.logger,
	})
	cancel()
	if err != nil {
		s.countHandshake("responder", "failed")
		s.logger.Security("wallet handshake failed",
			zap.String("remote", conn.RemoteAddr()),
			zap.Error(err))
		conn.Close()
		return
	}
	s.countHandshake("responder", "ok")
	defer ch.Close()

	if err := s.service.ServeChannel(ch); err != nil {
		s.logger.DebugIf("wallet channel closed", zap.Error(err))
	}
}

// acceptPeers serves enclave peers: attested channels carrying group key
// joins and rotation acknowledgments.
func (s *Server) acceptPeers(ctx context.Context) {
	for {
		raw, err := s.peerListener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Error("peer accept failed", zap.Error(err))
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handlePeer(ctx, shared.NewStreamConn(raw))
		}()
	}
}

func (s *Server) handlePeer(ctx context.Context, conn shared.Conn) {
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	ch, err := channel.Establish(hsCtx, conn, channel.Config{
		Role:     channel.RoleResponder,
		Platform: s.platform,
		Verifier: s.verifier,
		Logger:   s.logger,
	})
	cancel()
	if err != nil {
		s.countHandshake("responder", "failed")
		s.logger.Security("peer handshake failed",
			zap.String("remote", conn.RemoteAddr()),
			zap.Error(err))
		conn.Close()
		return
	}
	s.countHandshake("responder", "ok")
	defer ch.Close()

	if err := s.store.ServeLink(ctx, ch); err != nil {
		s.logger.DebugIf("peer channel closed", zap.Error(err))
	}
}

func (s *Server) countHandshake(role, result string) {
	if s.metrics != nil {
		s.metrics.Handshakes(role, result).Inc()
	}
}

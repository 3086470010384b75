package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentmesh/mesh/pkg/acl"
	"github.com/agentmesh/mesh/pkg/config"
	"github.com/agentmesh/mesh/pkg/directory"
	"github.com/agentmesh/mesh/pkg/events"
	"github.com/agentmesh/mesh/pkg/log"
	"github.com/agentmesh/mesh/pkg/metrics"
	"github.com/agentmesh/mesh/pkg/router"
	"github.com/agentmesh/mesh/pkg/security"
	"github.com/agentmesh/mesh/pkg/storage"
	"github.com/agentmesh/mesh/pkg/supervisor"
	"github.com/agentmesh/mesh/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version and Commit are set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "agentd",
	Short:   "Mesh node daemon: directory, transport, and agent supervisor",
	Version: Version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node and join or bootstrap a cluster",
	RunE:  runStart,
}

func init() {
	config.BindFlags(startCmd)
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithNodeID(cfg.NodeID)
	metrics.SetVersion(Version + "+" + Commit)

	store, err := storage.NewBoltStore(cfg.Directory.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	serverTLS, clientTLS, err := setupTLS(store, cfg)
	if err != nil {
		return fmt.Errorf("set up node TLS identity: %w", err)
	}

	dirCfg := directory.Config{
		NodeID:             cfg.NodeID,
		BindAddr:           cfg.Directory.BindAddr,
		DataDir:            cfg.Directory.DataDir,
		ElectionTimeoutMin: cfg.Directory.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.Directory.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.Directory.HeartbeatInterval,
	}
	dir := directory.New(dirCfg, store)

	if err := joinOrBootstrap(cfg, dir, clientTLS, logger); err != nil {
		return err
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sup := supervisor.New(cfg.NodeID, dir, broker)
	client := transport.NewClient(cfg.NodeID, dir, clientTLS)
	defer client.Close()

	rtr := router.New(sup, dir, client, 30*time.Second)
	srv := transport.NewServer(cfg.NodeID, &inboundHandler{router: rtr, sup: sup}, serverTLS)
	srv.RegisterAdmin(&joinAdmin{dir: dir})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Transport.ListenAddr); err != nil {
			errCh <- fmt.Errorf("transport server error: %w", err)
		}
	}()

	metrics.RegisterComponent("directory", true, "started")
	metrics.RegisterComponent("transport", true, "listening")
	metrics.RegisterComponent("sandbox", true, "ready")

	metricsSrv := startMetricsServer(cfg, sup, rtr, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}()

	logger.Info().
		Str("transport_addr", cfg.Transport.ListenAddr).
		Str("raft_addr", cfg.Directory.BindAddr).
		Str("metrics_addr", cfg.Metrics.ListenAddr).
		Bool("tls_enabled", cfg.Transport.TLSEnabled).
		Msg("node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("fatal transport error")
	}

	srv.Stop()
	if err := dir.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("directory shutdown error")
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Node, error) {
	cfgPath, _ := cmd.Flags().GetString("config")

	var cfg *config.Node
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		nodeID, _ := cmd.Flags().GetString("node-id")
		if nodeID == "" {
			return nil, fmt.Errorf("--node-id or --config is required")
		}
		cfg = config.Default(nodeID)
	}

	config.ApplyFlags(cfg, cmd)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupTLS ensures this node has a CA and node certificate on disk and
// returns the server/client configs built from them. The CA is shared
// cluster-wide through the bootstrap node's store; a joining node is
// expected to have received the same store contents out of band (disk
// snapshot or seeded secret) before its first start. When TLS is disabled both configs are nil and transport dials insecure.
func setupTLS(store storage.Store, cfg *config.Node) (serverTLS, clientTLS *tls.Config, err error) {
	if !cfg.Transport.TLSEnabled {
		return nil, nil, nil
	}

	ca, err := security.EnsureCA(store)
	if err != nil {
		return nil, nil, fmt.Errorf("ensure cluster CA: %w", err)
	}

	certDir := cfg.Transport.CertDir
	if certDir == "" {
		certDir = filepath.Join(cfg.Directory.DataDir, "certs")
	}
	if err := security.EnsureNodeCert(ca, certDir, cfg.NodeID, "node", nil, nil); err != nil {
		return nil, nil, fmt.Errorf("ensure node certificate: %w", err)
	}

	serverTLS, err = security.ServerTLSConfig(certDir)
	if err != nil {
		return nil, nil, fmt.Errorf("build server TLS config: %w", err)
	}
	clientTLS, err = security.ClientTLSConfig(certDir)
	if err != nil {
		return nil, nil, fmt.Errorf("build client TLS config: %w", err)
	}
	return serverTLS, clientTLS, nil
}

type inboundHandler struct {
	router *router.Router
	sup    *supervisor.Supervisor
}

// HandleEnvelope delivers every receiver on an inbound envelope to the
// local agent it names. An envelope only reaches this node's transport
// server because the directory resolved one of its receivers here, so
// delivery goes straight to the supervisor rather than back through the
// router, which would try to resolve and forward it again. A receiver
// that isn't actually hosted here anymore (a migration raced the
// directory update the sender used) invalidates the router's cache
// entry so the next send re-resolves it.
func (h *inboundHandler) HandleEnvelope(ctx context.Context, env *transport.Envelope) error {
	for _, receiver := range env.Payload.Receivers {
		name, _ := acl.ParseName(receiver.Name)
		if !h.sup.DeliverLocal(name, env.Payload) {
			h.router.Invalidate(name)
		}
	}
	return nil
}

// joinAdmin answers cluster join requests on behalf of the directory
// leader. A follower still registers the admin service, so a requester
// that dialed the wrong node gets a clear rejection instead of a refused
// connection.
type joinAdmin struct {
	dir *directory.Directory
}

func (a *joinAdmin) HandleJoin(ctx context.Context, req *transport.JoinRequest) (*transport.JoinResponse, error) {
	if !a.dir.IsLeader() {
		return &transport.JoinResponse{Accepted: false, Reason: "not the leader"}, nil
	}
	if err := a.dir.AddVoter(req.NodeID, req.RaftAddr); err != nil {
		return &transport.JoinResponse{Accepted: false, Reason: err.Error()}, nil
	}
	if err := a.dir.RegisterNode(req.NodeID, req.TransportAddr); err != nil {
		return &transport.JoinResponse{Accepted: false, Reason: err.Error()}, nil
	}
	return &transport.JoinResponse{Accepted: true}, nil
}

func joinOrBootstrap(cfg *config.Node, dir *directory.Directory, clientTLS *tls.Config, logger zerolog.Logger) error {
	if cfg.Directory.Bootstrap {
		if err := dir.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		logger.Info().Msg("cluster bootstrapped")
		if err := dir.RegisterNode(cfg.NodeID, cfg.Transport.ListenAddr); err != nil {
			logger.Warn().Err(err).Msg("failed to self-register node address")
		}
		return nil
	}

	if cfg.Directory.JoinAddr == "" {
		return fmt.Errorf("either directory.bootstrap or directory.joinAddr must be set")
	}
	if err := dir.Join(); err != nil {
		return fmt.Errorf("start raft in join mode: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := transport.RequestJoin(ctx, cfg.Directory.JoinAddr, clientTLS, &transport.JoinRequest{
		NodeID:        cfg.NodeID,
		RaftAddr:      cfg.Directory.BindAddr,
		TransportAddr: cfg.Transport.ListenAddr,
	})
	if err != nil {
		return fmt.Errorf("request to join cluster: %w", err)
	}
	if !resp.Accepted {
		return fmt.Errorf("join request rejected: %s", resp.Reason)
	}
	logger.Info().Str("via", cfg.Directory.JoinAddr).Msg("admitted to cluster")
	return nil
}

// startMetricsServer serves Prometheus metrics and the health/ready/live
// endpoints on a dedicated listener, kept separate from the node-to-node
// transport so operators can scrape it without mTLS client certs.
func startMetricsServer(cfg *config.Node, sup *supervisor.Supervisor, rtr *router.Router, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/agents", &deployHandler{nodeID: cfg.NodeID, cfg: cfg, sup: sup, rtr: rtr, logger: logger})

	if cfg.Metrics.EnablePprof {
		pprofAddr := "127.0.0.1:6060"
		go func() {
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				logger.Warn().Err(err).Msg("pprof server stopped")
			}
		}()
		logger.Info().Str("addr", pprofAddr).Msg("pprof profiling endpoints enabled")
	}

	srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()
	return srv
}

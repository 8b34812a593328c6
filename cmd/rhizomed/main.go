package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rhizomemesh/rhizome/daemon/api/server"
	"github.com/rhizomemesh/rhizome/daemon/config"
	"github.com/rhizomemesh/rhizome/daemon/fetch"
	"github.com/rhizomemesh/rhizome/daemon/service"
	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/daemon/transport"
	"github.com/rhizomemesh/rhizome/internal/crypto"
	"github.com/rhizomemesh/rhizome/internal/observability"
)

var version = "dev"

// backlogWarn is the deferred advert count above which health reports degraded.
const backlogWarn = 1000

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "rhizomed",
		Short:         "Store-and-forward bundle daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RHIZOME_CONFIG"), "config file (yaml, toml or json)")
	cmd.AddCommand(newKeygenCmd(&configPath), newGCCmd(&configPath))
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "rhizomed:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*observability.Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)
	if cfg.Log.File != "" {
		w, err := observability.RotatingWriter(observability.LogFileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = w, w
	}
	logger := observability.NewLogger("rhizomed", version, out)
	logger.SetLevel(cfg.Log.Level)
	return logger, closer, nil
}

// passphrase reads the keystore passphrase from the configured variable,
// or prompts on a terminal.
func passphrase(cfg *config.Config, firstRun bool) (string, error) {
	if cfg.PassphraseEnv != "" {
		if v, ok := os.LookupEnv(cfg.PassphraseEnv); ok {
			return v, nil
		}
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no keystore passphrase: set %s", cfg.PassphraseEnv)
	}
	fmt.Fprint(os.Stderr, "Keystore passphrase: ")
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if firstRun && len(p) > 0 {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		confirm, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		if string(confirm) != string(p) {
			return "", errors.New("passphrases do not match")
		}
	}
	return string(p), nil
}

func loadIdentity(cfg *config.Config, logger *observability.Logger) (*crypto.Identity, error) {
	path := cfg.KeystorePath()
	pass, err := passphrase(cfg, !keystoreExists(path))
	if err != nil {
		return nil, err
	}
	id, created, err := crypto.LoadOrCreateIdentity(path, pass)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("created node identity " + id.SID().String())
	}
	return id, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, logCloser, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger.Info("rhizomed starting")

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName: "rhizomed",
		Version:     version,
		Endpoint:    cfg.Telemetry.JaegerEndpoint,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error(err, "tracing disabled")
	} else {
		defer shutdownTracing(context.Background())
	}

	id, err := loadIdentity(cfg, logger)
	if err != nil {
		return err
	}
	box, err := crypto.NewSecretBox(id)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.StoreDir(), box, store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer st.Close()

	metrics := observability.NewMetrics(nil)
	events := service.NewEventPublisher(cfg.API.EventBufferSize)

	svcCfg := service.DefaultConfig(cfg.DataDir)
	svcCfg.AdvertTTL = cfg.Fetch.AdvertTTL
	svcCfg.GCInterval = cfg.Store.GCInterval
	svcCfg.GCRetention = cfg.Store.GCRetention
	svcCfg.StatsInterval = cfg.Store.StatsInterval
	svcCfg.ImportDir = cfg.Store.ImportDir
	svcCfg.Fetch = fetch.Config{
		IdleTimeout:   cfg.Fetch.IdleTimeout,
		Interval:      cfg.Fetch.Interval,
		IgnoreTimeout: cfg.Fetch.IgnoreTimeout,
	}
	svc, err := service.NewRhizomeService(svcCfg, st, id, events, logger, metrics)
	if err != nil {
		return err
	}
	defer svc.Close()

	node := transport.NewNode(transport.Config{
		ListenAddr:  cfg.Transport.QUICAddress,
		HTTPAddr:    announceAddr(cfg),
		NodeID:      nodeName(cfg, id),
		Identity:    id.PrivateKey,
		Peers:       cfg.Transport.Peers,
		Interval:    cfg.Transport.AdvertInterval,
		BatchSize:   cfg.Transport.BatchSize,
		AcceptRate:  cfg.Transport.AcceptRate,
		AcceptBurst: cfg.Transport.AcceptBurst,
	}, st, svc, logger, metrics)
	if err := node.Listen(); err != nil {
		return err
	}
	defer node.Close()
	svc.OnBundleAdded(func(*store.Entry) { node.Kick() })
	logger.Info("QUIC advert listener on " + node.Addr())

	api := server.NewDaemonAPIServer(svc, server.Auth{
		Username: cfg.API.Username,
		Password: cfg.API.Password,
		Token:    cfg.API.Token,
	}, logger)
	grpcStop, restStop, err := server.StartAPIServers(ctx, cfg.API.GRPCAddress, cfg.API.RESTAddress, api)
	if err != nil {
		return err
	}
	defer grpcStop()
	defer restStop()

	if cfg.Telemetry.MetricsAddress != "" {
		health := observability.NewHealthChecker(version)
		health.RegisterCheck("database", observability.DatabaseCheck(st))
		health.RegisterCheck("quic_listener", observability.ListenerCheck("QUIC", node.Addr))
		health.RegisterCheck("keystore", observability.KeystoreCheck(cfg.KeystorePath()))
		health.RegisterCheck("backlog", observability.BacklogCheck(svc.BacklogLen, backlogWarn))
		go startObservabilityServer(ctx, cfg.Telemetry.MetricsAddress, metrics, health, logger)
	}

	go func() {
		if err := node.Serve(ctx); err != nil {
			logger.Error(err, "advert listener stopped")
		}
	}()
	go node.Run(ctx)

	logger.Info("rhizomed running as " + id.SID().String())
	_ = svc.Run(ctx)
	logger.Info("shutting down")
	return nil
}

// announceAddr is the fetch address told to peers. Without an explicit
// setting only the REST port is announced and peers supply the host.
func announceAddr(cfg *config.Config) string {
	if cfg.Transport.AnnounceHTTP != "" {
		return cfg.Transport.AnnounceHTTP
	}
	_, port, err := net.SplitHostPort(cfg.API.RESTAddress)
	if err != nil {
		return ""
	}
	return net.JoinHostPort("", port)
}

func nodeName(cfg *config.Config, id *crypto.Identity) string {
	if cfg.Transport.NodeName != "" {
		return cfg.Transport.NodeName
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return id.Fingerprint()
}

func observabilityMux(metrics *observability.Metrics, health *observability.HealthChecker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func startObservabilityServer(ctx context.Context, addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	srv := &http.Server{Addr: addr, Handler: observabilityMux(metrics, health), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("observability server listening on " + addr + " (metrics, health, pprof)")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(err, "observability server error")
	}
}

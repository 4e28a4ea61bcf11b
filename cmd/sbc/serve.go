package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sbc-server/pkg/binding"
	"sbc-server/pkg/config"
	"sbc-server/pkg/errors"
	"sbc-server/pkg/media"
	"sbc-server/pkg/metrics"
	"sbc-server/pkg/scheduler"
	"sbc-server/pkg/sip"
	"sbc-server/pkg/util"
	"sbc-server/pkg/version"
)

var serveFlags struct {
	sipHost      string
	sipPort      int
	mediaAddr    string
	backendProxy string
	logLevel     string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the border controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(logger)
		if err != nil {
			return err
		}
		applyFlags(cmd, cfg)
		if err := cfg.ApplyLogging(logger); err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&serveFlags.sipHost, "sip-host", "", "SIP listen address (SIP_HOST)")
	flags.IntVar(&serveFlags.sipPort, "sip-port", 0, "SIP listen port (SIP_PORT)")
	flags.StringVar(&serveFlags.mediaAddr, "media-addr", "", "media address: auto, stun or an IP (MEDIA_ADDR)")
	flags.StringVar(&serveFlags.backendProxy, "backend-proxy", "", "backend proxy host:port (BACKEND_PROXY)")
	flags.StringVar(&serveFlags.logLevel, "log-level", "", "log level (LOG_LEVEL)")
}

// applyFlags lets explicitly set flags override the environment
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("sip-host") {
		cfg.SIP.Host = serveFlags.sipHost
		ip := net.ParseIP(serveFlags.sipHost)
		if os.Getenv("SIP_ADVERTISED_HOST") == "" && (ip == nil || !ip.IsUnspecified()) {
			cfg.SIP.AdvertisedHost = serveFlags.sipHost
		}
	}
	if flags.Changed("sip-port") {
		cfg.SIP.Port = serveFlags.sipPort
	}
	if flags.Changed("media-addr") {
		cfg.Media.Address = serveFlags.mediaAddr
	}
	if flags.Changed("backend-proxy") {
		cfg.SIP.BackendProxy = serveFlags.backendProxy
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = serveFlags.logLevel
	}
}

func serve(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	panics := util.NewPanicHandler(logger)
	shutdown := util.NewGracefulShutdown(logger, 15*time.Second)

	metrics.StartMetrics(logger, cfg.Metrics.Enabled)
	if cfg.Metrics.Enabled {
		srv := startMetricsServer(cfg.Metrics.Port, panics)
		shutdown.Register(util.ShutdownResource{Name: "metrics", Priority: 0, Shutdown: srv.Shutdown})
	}

	sched := scheduler.NewService(logger)
	shutdown.RegisterFunc("scheduler", 50, sched.Stop)

	mediaAddr := resolveMediaAddress(ctx, cfg)
	bindHost := ""
	if mediaAddr != cfg.SIP.AdvertisedHost {
		// the advertised address is not ours to bind, e.g. behind 1:1 NAT
		bindHost = cfg.SIP.Host
	}

	pool := media.NewPortPool(cfg.Media.PortMin, cfg.Media.PortMax, logger)
	gateway := media.NewGateway(media.GatewayConfig{
		Address:         mediaAddr,
		BindHost:        bindHost,
		RelayTimeout:    cfg.Media.RelayTimeout,
		HandoverTime:    cfg.Media.HandoverTime,
		HalfCallTimeout: cfg.Media.HalfCallTimeout,
		Policy:          cfg.Media.Policy(),
	}, pool, sched, logger)
	shutdown.RegisterFunc("media-gateway", 30, gateway.Close)

	var conn net.PacketConn
	if cfg.SIP.Transport == "udp" {
		var err error
		conn, err = net.ListenPacket("udp", cfg.SIP.ListenAddress())
		if err != nil {
			return errors.Wrap(err, "failed to bind SIP socket", map[string]interface{}{
				"address": cfg.SIP.ListenAddress(),
			})
		}
	}

	var bindingOpts []binding.Option
	if cfg.SIP.KeepAliveAggressive && cfg.SIP.KeepAliveTime > 0 && conn != nil {
		bindingOpts = append(bindingOpts, binding.WithKeepAlive(
			sip.KeepAliveFactory(conn, cfg.SIP.KeepAliveTime, sched, logger)))
	}
	bindings := binding.New(cfg.SIP.BindingTimeout, sched, logger, bindingOpts...)
	shutdown.RegisterFunc("binding-cache", 20, bindings.Close)

	core := sip.NewCore(sip.CoreConfig{
		Host:                cfg.SIP.AdvertisedHost,
		Port:                cfg.SIP.Port,
		LocalHosts:          append([]string{cfg.SIP.Host}, cfg.SIP.LocalHosts...),
		BackendProxy:        cfg.SIP.BackendProxyAddress(),
		KeepAliveTime:       cfg.SIP.KeepAliveTime,
		KeepAliveAggressive: cfg.SIP.KeepAliveAggressive,
	}, gateway, bindings, sched, conn, logger)
	shutdown.RegisterFunc("sip-core", 10, core.Close)

	proxy, err := sip.NewProxy(core, cfg.SIP.AdvertisedHost, logger)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return err
	}
	shutdown.Register(util.ShutdownResource{
		Name:     "sip-proxy",
		Priority: 5,
		Shutdown: func(context.Context) error {
			return proxy.Close()
		},
	})

	serveErr := make(chan error, 1)
	panics.SafeGo("sip-server", func() {
		if conn != nil {
			serveErr <- proxy.ServeUDP(conn)
			return
		}
		serveErr <- proxy.ListenAndServe(ctx, cfg.SIP.Transport, cfg.SIP.ListenAddress())
	})

	logger.WithFields(logrus.Fields{
		"listen":        cfg.SIP.ListenAddress(),
		"transport":     cfg.SIP.Transport,
		"advertised":    cfg.SIP.AdvertisedHost,
		"media_address": mediaAddr,
		"backend_proxy": cfg.SIP.BackendProxy,
		"version":       version.Version,
	}).Info("Session border controller started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")
	case runErr = <-serveErr:
		if runErr != nil {
			logger.WithError(runErr).Error("SIP server stopped")
		}
	}

	cancel()
	if conn != nil {
		conn.Close()
	}
	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Warn("Shutdown completed with errors")
	}
	return runErr
}

// resolveMediaAddress returns the address advertised in rewritten SDP
func resolveMediaAddress(ctx context.Context, cfg *config.Config) string {
	if !cfg.Media.UsesSTUN() {
		return cfg.Media.ResolveMediaAddress(cfg.SIP.AdvertisedHost)
	}

	stunCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	mapped, err := media.NewAddressDiscovery(cfg.Media.STUNServers, logger).Discover(stunCtx)
	if err != nil {
		logger.WithError(err).Warn("STUN discovery failed, advertising the signalling address for media")
		return cfg.SIP.AdvertisedHost
	}
	return mapped.Host
}

func startMetricsServer(port int, panics *util.PanicHandler) *http.Server {
	mux := http.NewServeMux()
	metrics.RegisterHandler(mux)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	panics.SafeGo("metrics-server", func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics server failed")
		}
	})
	logger.WithField("port", port).Info("Metrics server started")
	return srv
}

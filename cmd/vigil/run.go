package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/arloliu/vigil"
	"github.com/arloliu/vigil/internal/logging"
)

type runOptions struct {
	configFlags

	metricsAddr    string
	logLevel       string
	logFormat      string
	workers        int
	beatInterval   time.Duration
	reportInterval time.Duration
	faultAfter     time.Duration
	safetyCritical []string
	embeddedNATS   bool
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run simulated workers under supervision until interrupted",
		Long: `Run registers a number of simulated workers with a supervisor and prints
a health table periodically. With --fault-after, worker-0 stops beating and
worker-1 slows down after the given delay, so the recovery actions can be
observed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd)
		},
	}

	fs := cmd.Flags()
	opts.bind(fs)
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	fs.IntVarP(&opts.workers, "workers", "n", 3, "number of simulated workers")
	fs.DurationVar(&opts.beatInterval, "beat-interval", 500*time.Millisecond, "heartbeat interval of the simulated workers")
	fs.DurationVar(&opts.reportInterval, "report-interval", 2*time.Second, "how often the health table is printed")
	fs.DurationVar(&opts.faultAfter, "fault-after", 0, "inject faults after this delay (0 = never)")
	fs.StringSliceVar(&opts.safetyCritical, "safety-critical", nil, "worker IDs whose isolation stops everything")
	fs.BoolVar(&opts.embeddedNATS, "embedded-nats", false, "start an in-process NATS server for the nats backend")

	return cmd
}

func (o *runOptions) run(cmd *cobra.Command) error {
	level, err := logging.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	logger := logging.NewSlogWriter(os.Stderr, o.logFormat, level)

	cfg, err := o.resolve(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if o.embeddedNATS {
		ns, dir, err := startEmbeddedNATS()
		if err != nil {
			return err
		}
		defer func() {
			ns.Shutdown()
			ns.WaitForShutdown()
			_ = os.RemoveAll(dir)
		}()
		cfg.Backend.Type = vigil.BackendNATS
		cfg.Backend.NATS.URL = ns.ClientURL()
		logger.Info("embedded nats server started", "url", ns.ClientURL())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hooks := &vigil.Hooks{
		OnEmergencyStop: func(_ context.Context, reason string) error {
			logger.Error("EMERGENCY STOP", "reason", reason)
			return nil
		},
	}

	sup, err := vigil.NewSupervisor(ctx, &cfg,
		vigil.WithLogger(logger),
		vigil.WithMetrics(vigil.NewPrometheusMetrics(reg, "")),
		vigil.WithHooks(hooks),
	)
	if err != nil {
		return err
	}
	// no-op once Stop has run
	defer func() { _ = sup.Close(context.Background()) }()

	workers := make([]*simWorker, 0, o.workers)
	for i := range o.workers {
		w := newSimWorker(ctx, fmt.Sprintf("worker-%d", i), sup, o.beatInterval, logger)
		var regOpts []vigil.RegisterOption
		if slices.Contains(o.safetyCritical, w.ID()) {
			regOpts = append(regOpts, vigil.WithSafetyCritical())
		}
		if err := sup.Register(w, regOpts...); err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", w.ID(), err)
		}
		workers = append(workers, w)
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if o.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: o.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", o.metricsAddr)
	}

	var faults <-chan time.Time
	if o.faultAfter > 0 {
		faults = time.After(o.faultAfter)
	}

	ticker := time.NewTicker(o.reportInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-faults:
			injectFaults(workers)
		case <-ticker.C:
			printReport(cmd.OutOrStdout(), sup)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod+10*time.Second)
	defer cancel()

	var errs []error
	if srv != nil {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	errs = append(errs, sup.Stop(shutdownCtx))

	return errors.Join(errs...)
}

func injectFaults(workers []*simWorker) {
	if len(workers) > 0 {
		workers[0].hang()
	}
	if len(workers) > 1 {
		workers[1].slowDown()
	}
}

func startEmbeddedNATS() (*server.Server, string, error) {
	dir, err := os.MkdirTemp("", "vigil-nats-")
	if err != nil {
		return nil, "", fmt.Errorf("create jetstream dir: %w", err)
	}

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  dir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, "", fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		_ = os.RemoveAll(dir)
		return nil, "", errors.New("embedded nats server not ready within 10s")
	}

	return ns, dir, nil
}

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"swproxy/internal/swproxy"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Install the current generation, activate it and serve requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(v)
		},
	}
	fs := cmd.Flags()
	fs.String("listen", "", "override server.listen")
	fs.Int("install-retries", 5, "install attempts before giving up")
	fs.Duration("install-delay", 5*time.Second, "delay between install attempts")
	bindFlags(v, fs)
	return cmd
}

func runServe(v *viper.Viper) error {
	cfg, log, err := loadConfig(v)
	if err != nil {
		return err
	}
	if l := v.GetString("listen"); l != "" {
		cfg.Server.Listen = l
	}

	store, err := swproxy.OpenStore(cfg.Storage, log)
	if err != nil {
		return err
	}
	p, err := swproxy.New(cfg, store, nil,
		swproxy.WithLogger(log),
		swproxy.WithRegisterer(prometheus.DefaultRegisterer),
	)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := installWithRetry(ctx, p, log, v.GetInt("install-retries"), v.GetDuration("install-delay")); err != nil {
		return err
	}
	if err := p.Activate(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	if cfg.Server.MetricsPath != "" {
		mux.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", p)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"listen":     cfg.Server.Listen,
			"origin":     cfg.Server.Origin,
			"generation": p.Generation(),
			"storage":    cfg.Storage.Type,
		}).Info("swproxy listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

func installWithRetry(ctx context.Context, p *swproxy.Proxy, log *logrus.Logger, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = p.Install(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		log.WithError(err).WithField("attempt", i).Warn("install failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

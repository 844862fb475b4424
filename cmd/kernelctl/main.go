// Command kernelctl runs the reference kernel with an echo handler and an
// optional admin HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/danmuck/edgeipc/internal/admin"
	"github.com/danmuck/edgeipc/internal/auth"
	"github.com/danmuck/edgeipc/internal/config"
	"github.com/danmuck/edgeipc/internal/kernel"
	"github.com/danmuck/edgeipc/internal/logging"
	"github.com/danmuck/edgeipc/internal/observability"
)

func main() {
	defaultConfig, _ := config.DefaultPath(config.KindKernel)
	configPath := flag.String("config", defaultConfig, "kernel config path (TOML)")
	adminAddr := flag.String("admin", "", "admin HTTP listen address, overrides config")
	flag.Parse()

	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *adminAddr); err != nil {
		fmt.Fprintf(os.Stderr, "kernelctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, adminOverride string) error {
	cfg, err := config.LoadKernelConfig(configPath)
	if err != nil {
		return err
	}
	if adminOverride != "" {
		cfg.AdminAddr = adminOverride
	}
	log := logging.New("kernelctl")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewIPCMetrics(reg, "kernel")
	if err != nil {
		return err
	}

	srv, err := newServer(cfg, log, metrics)
	if err != nil {
		return err
	}
	defer srv.Close()

	if cfg.AdminAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		adminSrv := &http.Server{
			Addr: cfg.AdminAddr,
			Handler: admin.NewRouter(srv, admin.Options{
				Gatherer:    reg,
				Metrics:     metrics,
				Logger:      log.With("role", "admin"),
				CORSOrigins: cfg.CORSOrigins,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infof("kernelctl admin listening addr=%q", cfg.AdminAddr)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("kernelctl admin server err=%v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = adminSrv.Shutdown(shutdownCtx)
		}()
	}

	return srv.ListenAndServe(ctx)
}

func newServer(cfg config.KernelConfig, log *logging.Logger, metrics *observability.IPCMetrics) (*kernel.Server, error) {
	srv, err := kernel.NewServer(kernel.ServerConfig{
		ListenAddr:    cfg.ListenAddr,
		Session:       cfg.Session,
		Authenticator: auth.TokenTable(cfg.Tokens),
		Logger:        log,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, err
	}
	// the payload is echoed verbatim, so enveloped requests come back with
	// the same version and opcode
	if err := srv.RegisterHandler(cfg.EchoDestination, func(_ context.Context, call kernel.Call) ([]byte, error) {
		log.Debugf("kernelctl echo client=%s bytes=%d", call.ClientID, len(call.Payload))
		return call.Payload, nil
	}); err != nil {
		return nil, err
	}
	return srv, nil
}

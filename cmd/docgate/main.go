// Docgate is a multi-tenant document-retrieval gateway.
//
// It fronts a shared vector-retrieval backend with capability-token
// authentication, per-plan quota and rate-limit enforcement, per-tenant
// document scoping, and plugin surface provisioning.
//
// Usage:
//
//	# Start the gateway with defaults
//	docgate
//
//	# Configure via file and environment
//	docgate -config /etc/docgate/config.yaml
//	DOCGATE_SERVER_PORT=9090 DOCGATE_AUTH_SIGNING_KEY=... docgate
//
//	# Mint a capability token
//	docgate mint -tenant acme -plan standard -plugin 7c0e... [-surface addr]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docgate/internal/backend"
	"github.com/fyrsmithlabs/docgate/internal/config"
	"github.com/fyrsmithlabs/docgate/internal/extract"
	"github.com/fyrsmithlabs/docgate/internal/gateway"
	"github.com/fyrsmithlabs/docgate/internal/httpapi"
	"github.com/fyrsmithlabs/docgate/internal/logging"
	"github.com/fyrsmithlabs/docgate/internal/plan"
	"github.com/fyrsmithlabs/docgate/internal/provision"
	"github.com/fyrsmithlabs/docgate/internal/quota"
	"github.com/fyrsmithlabs/docgate/internal/ratelimit"
	"github.com/fyrsmithlabs/docgate/internal/scope"
	"github.com/fyrsmithlabs/docgate/internal/store"
	"github.com/fyrsmithlabs/docgate/internal/token"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		case "mint":
			if err := runMint(args[1:], *configPath); err != nil {
				fmt.Fprintf(os.Stderr, "mint failed: %v\n", err)
				os.Exit(1)
			}
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  docgate            Start the gateway\n")
			fmt.Fprintf(os.Stderr, "  docgate version    Show version information\n")
			fmt.Fprintf(os.Stderr, "  docgate mint       Mint a capability token\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("docgate by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the gateway and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting docgate",
		zap.String("version", version),
		zap.String("commit", gitCommit),
	)

	// "memory" runs the gateway without Redis: single instance, state
	// lost on restart. Development only.
	var sharedStore store.Store
	if cfg.Redis.Addr == "memory" {
		logger.Warn(ctx, "using in-process store, state will not survive restarts")
		sharedStore = store.NewMemoryStore()
	} else {
		sharedStore, err = store.NewRedisStore(cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect shared store: %w", err)
		}
	}
	defer func() { _ = sharedStore.Close() }()

	embedder := backend.NewHashEmbedder(cfg.Embedding.Dims)
	retrieval, err := backend.NewQdrantBackend(&cfg.Qdrant, embedder, embedder.Dims(), logger)
	if err != nil {
		return fmt.Errorf("connect retrieval backend: %w", err)
	}
	defer func() { _ = retrieval.Close() }()

	issuer, err := token.NewIssuer([]byte(cfg.Auth.SigningKey.Value()))
	if err != nil {
		return fmt.Errorf("initialize token issuer: %w", err)
	}
	limiter, err := ratelimit.NewLimiter(sharedStore)
	if err != nil {
		return fmt.Errorf("initialize rate limiter: %w", err)
	}
	ledger, err := quota.NewLedger(sharedStore)
	if err != nil {
		return fmt.Errorf("initialize quota ledger: %w", err)
	}
	scopes, err := scope.NewIndex(sharedStore)
	if err != nil {
		return fmt.Errorf("initialize scope index: %w", err)
	}

	// The gateway can run without provisioning: plugin creation is then
	// limited to plans that get no serving surface.
	var provisioner provision.Provisioner
	var surfaces httpapi.SurfaceLocator
	dirProvisioner, err := provision.NewDirProvisioner(ctx, &cfg.Provision, logger)
	if err != nil {
		logger.Warn(ctx, "surface provisioning unavailable", zap.Error(err))
	} else {
		provisioner = dirProvisioner
		surfaces = dirProvisioner
	}

	dispatcher, err := gateway.NewDispatcher(gateway.Options{
		Issuer:      issuer,
		Limiter:     limiter,
		Ledger:      ledger,
		Scopes:      scopes,
		Extractor:   extract.NewTextExtractor(),
		Backend:     retrieval,
		Provisioner: provisioner,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("initialize dispatcher: %w", err)
	}

	server, err := httpapi.NewServer(dispatcher, surfaces, httpapi.NewMetrics(), logger, &httpapi.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:   cfg.Server.WriteTimeout.Duration(),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})
	if err != nil {
		return fmt.Errorf("initialize http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}

// runMint mints a capability token from the command line, for operators
// issuing credentials outside the plugin-creation endpoint.
func runMint(args []string, configPath string) error {
	fs := flag.NewFlagSet("mint", flag.ExitOnError)
	tenantID := fs.String("tenant", "", "tenant id (required)")
	planName := fs.String("plan", "free", "subscription plan")
	pluginID := fs.String("plugin", "", "plugin id (required)")
	surface := fs.String("surface", "", "surface address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	issuer, err := token.NewIssuer([]byte(cfg.Auth.SigningKey.Value()))
	if err != nil {
		return err
	}
	p, err := plan.Parse(*planName)
	if err != nil {
		return err
	}
	credential, err := issuer.Mint(*tenantID, p, *pluginID, *surface)
	if err != nil {
		return err
	}
	fmt.Println(credential)
	return nil
}

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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/logger"
	"github.com/Tyrowin/gochat/internal/presence"
	"github.com/Tyrowin/gochat/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("GOCHAT_CONFIG"), "optional config file (yaml, json or toml)")
	issueFor := flag.String("issue", "", "print a signed token for this username and exit")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts := auth.DefaultOptions([]byte(cfg.JWTSecret))
	if *issueFor != "" {
		return printToken(opts, *issueFor)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	verifier, err := auth.NewJWTVerifier(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gwOpts := []server.Option{server.WithLogger(log)}
	if cfg.Redis.Addr != "" {
		store, err := presence.Dial(ctx, cfg.Redis)
		if err != nil {
			log.Warn("Presence disabled", zap.Error(err))
		} else {
			defer func() { _ = store.Close() }()
			gwOpts = append(gwOpts, server.WithPresence(store))
			log.Info("Presence enabled", zap.String("redis_addr", cfg.Redis.Addr))
		}
	}

	log.Info("Starting GoChat server...",
		zap.String("port", cfg.Port),
		zap.Int("max_clients", cfg.MaxClients),
		zap.Bool("tls", cfg.TLS.Enabled()))

	gin.SetMode(gin.ReleaseMode)
	gw := server.NewGateway(*cfg, verifier, gwOpts...)
	gw.Start()

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(gw))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.StartServer(httpServer, cfg.TLS, log); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received")
		httpErr := server.ShutdownServer(httpServer, shutdownTimeout, log)
		gwErr := gw.Shutdown(shutdownTimeout)
		return errors.Join(httpErr, gwErr)
	})
	return g.Wait()
}

func printToken(opts auth.Options, username string) error {
	issuer, err := auth.NewIssuer(opts)
	if err != nil {
		return err
	}
	token, expires, err := issuer.Issue(username)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
	return nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/AlanGuo/claude-code-provider-balancer/internal/config"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/dispatcher"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/metrics"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/oauthclient"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/oauthstore"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/secretstore"
	"github.com/AlanGuo/claude-code-provider-balancer/internal/sweeper"
)

// Run loads cfgPath, wires every component together, and blocks serving
// HTTP until the process receives SIGINT/SIGTERM. A SIGHUP, or the config
// file changing on disk, triggers a hot reload instead of a restart.
func Run(cfgPath string) error {
	rt, err := config.LoadRuntime(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := rt.Current()

	logger, err := openLogger(cfg)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	oauthStore, oauthCfg, oauthClient, err := buildOAuth(cfg)
	if err != nil {
		return fmt.Errorf("init oauth: %w", err)
	}
	refresh := oauthClient.NewRefreshFunc(oauthCfg)

	disp := dispatcher.New(rt.Resolver, rt.Health, rt.Dedup, oauthStore, refresh, dispatcher.Settings{}, dispatcher.NewClassifier(nil, nil, nil))

	collector := metrics.NewCollector("ccpb", "server")

	enableAutoRefresh := true
	if cfg.Settings.OAuth.EnableAutoRefresh != nil {
		enableAutoRefresh = *cfg.Settings.OAuth.EnableAutoRefresh
	}
	sw := sweeper.New(rt.Health, oauthStore, refresh, sweeper.Settings{
		HealthCooldownSchedule: cfg.Settings.Sweep.HealthCooldownSchedule,
		OAuthRefreshSchedule:   cfg.Settings.Sweep.OAuthRefreshSchedule,
		EnableAutoRefresh:      enableAutoRefresh,
	}, logger)

	st := NewState(rt, oauthStore, disp, collector, sw, oauthCfg, oauthClient)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	if err := sw.Start(sweepCtx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	watcher, err := config.Watch(cfgPath, st)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	installReloadSignalHandler(st)

	engine := NewRouter(st, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Settings.Host, cfg.Settings.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdownCh:
		logger.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return <-errCh
}

func openLogger(cfg *config.Config) (*log.Logger, error) {
	path := strings.TrimSpace(cfg.Settings.LogFilePath)
	if path == "" {
		return log.New(os.Stdout, "", 0), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return log.New(f, "", 0), nil
}

// buildOAuth assembles the OAuth credential store, wiring the on-disk
// secret persister unless enable_persistence is explicitly false (unset
// means on); without it tokens live in memory for the life of the process.
func buildOAuth(cfg *config.Config) (*oauthstore.Store, oauthclient.Config, *oauthclient.Client, error) {
	oauthCfg := oauthclient.Config{}.WithDefaults()

	var persist oauthstore.Persister
	enablePersistence := cfg.Settings.OAuth.EnablePersistence == nil || *cfg.Settings.OAuth.EnablePersistence
	if enablePersistence {
		var cipher *secretstore.Cipher
		passphrase := strings.TrimSpace(os.Getenv(cfg.Settings.OAuth.SecretPassphraseEnv))
		if passphrase != "" {
			c, err := secretstore.NewCipher(passphrase)
			if err != nil {
				return nil, oauthclient.Config{}, nil, fmt.Errorf("build secret cipher: %w", err)
			}
			cipher = c
		}
		persist = secretstore.NewFilePersister(oauthTokensPath(cfg), cipher)
	}

	store, err := oauthstore.New(persist)
	if err != nil {
		return nil, oauthclient.Config{}, nil, fmt.Errorf("load oauth tokens: %w", err)
	}

	client, err := oauthclient.New(cfg.Settings.OAuth.Proxy)
	if err != nil {
		return nil, oauthclient.Config{}, nil, fmt.Errorf("build oauth client: %w", err)
	}
	return store, oauthCfg, client, nil
}

func oauthTokensPath(cfg *config.Config) string {
	name := strings.TrimSpace(cfg.Settings.OAuth.ServiceName)
	if name == "" {
		name = "claude-code-provider-balancer"
	}
	return name + ".oauth-tokens.json"
}

func installReloadSignalHandler(st *State) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		for range ch {
			if err := st.Reload(); err != nil {
				log.Printf("reload failed: %v", err)
				continue
			}
			log.Printf("reload ok")
		}
	}()
}

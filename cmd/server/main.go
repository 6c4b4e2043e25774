package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"aigateway-go/internal/config"
	"aigateway-go/internal/constants"
	"aigateway-go/internal/gemini"
	"aigateway-go/internal/kiro"
	"aigateway-go/internal/kiro/cache"
	"aigateway-go/internal/logging"
	"aigateway-go/internal/pool"
	srv "aigateway-go/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (yaml or json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	log.Infof("starting aigateway (config: %s)", *configPath)

	sessions := buildSessions(cfg)
	mgr := pool.NewManager(pool.Options{
		MaxErrorCount: cfg.MaxErrorCount,
		StickyEnabled: cfg.StickySession.Enabled,
		Sessions:      sessions,
		PoolFilePath:  cfg.PoolFilePath,
		SaveDebounce:  time.Duration(cfg.SaveDebounceTimeMs) * time.Millisecond,
		FallbackChain: cfg.ProviderFallbackChain,
		ModelFallback: modelFallback(cfg),
		ProbeInterval: time.Duration(cfg.HealthCheckIntervalMs) * time.Millisecond,
	})
	if err := mgr.LoadFromFile(cfg.PoolFilePath); err != nil {
		log.WithError(err).Fatal("failed to load provider pools")
	}

	kiroClient := buildKiro(cfg, mgr)
	mgr.RegisterAdapter(constants.ProviderClaudeKiro, kiroClient)
	geminiClient := gemini.NewClient()
	mgr.RegisterAdapter(constants.ProviderGeminiCLIOAuth, geminiClient)
	mgr.RegisterAdapter(constants.ProviderGeminiAntigravity, geminiClient)

	mgr.StartHealthChecks()

	estimator := cache.NewRegistry(cache.Options{
		Optimistic: cfg.KiroOptimisticCache,
		Debug:      cfg.KiroCacheDebug,
	})

	engine := srv.BuildEngine(cfg, srv.Dependencies{
		Pool:      mgr,
		Kiro:      kiroClient,
		Estimator: estimator,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	mgr.Destroy()
	log.Info("bye")
}

// buildSessions picks the sticky session backend: Redis when configured,
// in-process otherwise.
func buildSessions(cfg *config.Config) pool.Sessions {
	if !cfg.StickySession.Enabled {
		return nil
	}
	opts := pool.StickyOptions{
		TTL:             time.Duration(cfg.StickySession.TTLMs) * time.Millisecond,
		CleanupInterval: time.Duration(cfg.StickySession.CleanupIntervalMs) * time.Millisecond,
		MaxSessions:     cfg.StickySession.MaxSessions,
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		log.Infof("sticky sessions: redis backend at %s", cfg.Redis.Addr)
		return pool.NewRedisSessions(client, opts)
	}
	return pool.NewMemorySessions(opts)
}

func buildKiro(cfg *config.Config, mgr *pool.Manager) *kiro.Client {
	store := kiro.NewCredStore(credsPath(cfg))
	client := kiro.NewClient(kiro.ClientOptions{
		Region:     cfg.Kiro.Region,
		Timeout:    time.Duration(cfg.Kiro.RequestTimeoutSec) * time.Second,
		MaxRetries: cfg.RequestMaxRetries,
		BaseDelay:  time.Duration(cfg.RequestBaseDelayMs) * time.Millisecond,
		Store:      store,
		Health:     mgr,
		NearExpiry: cfg.CronNearMinutes,
	})

	// Seed the pool from the credential file when it is not already there.
	if token, err := store.Load(cfg.Kiro.CredsBase64); err == nil {
		seedKiroCredential(mgr, token)
	} else {
		log.WithError(err).Warn("kiro: no usable credential file; pool relies on provider_pools.json")
	}

	// The Kiro IDE refreshes the credential file on its own; pick up external
	// rewrites without a restart.
	if err := store.Watch(nil, func(token *kiro.TokenData) {
		id := kiro.CredentialID(token)
		err := mgr.UpdateCredentialToken(constants.ProviderClaudeKiro, id,
			token.AccessToken, token.RefreshToken, token.ExpiresAtTime(), token.ProfileArn)
		if err != nil {
			seedKiroCredential(mgr, token)
		}
	}); err != nil {
		log.WithError(err).Warn("kiro: credential watcher unavailable")
	}
	return client
}

func credsPath(cfg *config.Config) string {
	if cfg.Kiro.CredsFilePath != "" {
		return cfg.Kiro.CredsFilePath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "kiro-auth-token.json"
	}
	return home + "/.aws/sso/cache/kiro-auth-token.json"
}

func seedKiroCredential(mgr *pool.Manager, token *kiro.TokenData) {
	for _, existing := range mgr.ListCredentials(constants.ProviderClaudeKiro) {
		if existing.RefreshToken == token.RefreshToken {
			return
		}
	}
	cred := pool.NewCredential(kiro.CredentialID(token), constants.ProviderClaudeKiro)
	cred.AccessToken = token.AccessToken
	cred.RefreshToken = token.RefreshToken
	cred.ClientID = token.ClientID
	cred.ClientSecret = token.ClientSecret
	cred.AuthMethod = token.AuthMethod
	cred.Region = token.Region
	cred.ProfileArn = token.ProfileArn
	cred.ExpiresAt = token.ExpiresAtTime()
	mgr.AddCredentials(constants.ProviderClaudeKiro, cred)
	log.Infof("kiro: seeded credential %s from credential file", cred.UUID)
}

func modelFallback(cfg *config.Config) map[string]pool.ModelTarget {
	out := make(map[string]pool.ModelTarget, len(cfg.ModelFallbackMapping))
	for model, t := range cfg.ModelFallbackMapping {
		out[model] = pool.ModelTarget{ProviderType: t.ProviderType, Model: t.Model}
	}
	return out
}

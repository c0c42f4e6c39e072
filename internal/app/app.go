// Package app assembles revealgate components from configuration. The
// service binary and revealctl share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"revealgate.dev/internal/anomaly"
	"revealgate.dev/internal/auth"
	"revealgate.dev/internal/config"
	"revealgate.dev/internal/httpapi"
	"revealgate.dev/internal/ledger"
	"revealgate.dev/internal/links"
	"revealgate.dev/internal/mfa"
	"revealgate.dev/internal/obs"
	"revealgate.dev/internal/ratelimit"
	"revealgate.dev/internal/report"
	"revealgate.dev/internal/reveal"
	"revealgate.dev/internal/rotation"
	"revealgate.dev/internal/store/pg"
	"revealgate.dev/internal/stream"
	"revealgate.dev/internal/vault"
)

const alertBacklog = 100

// App holds the wired components.
type App struct {
	Config    config.Config
	Matrix    *auth.Matrix
	Directory auth.Store
	Vault     vault.Accessor
	Ledger    ledger.Service
	MFAStore  mfa.Store
	Gate      *reveal.Gate
	Links     *links.Service
	MFA       *mfa.Provider
	Rotation  *rotation.Scheduler
	Reports   *report.Service
	Alerts    *stream.Broker
	Tokens    *auth.Tokens
	Readiness httpapi.StoreCheck
	PG        *pg.Store

	keyring *vault.Keyring
	redis   redis.UniversalClient
}

// Build wires every component. With no database DSN all stores live in
// memory, which is only suitable for development.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg, Alerts: stream.New(alertBacklog)}
	log := obs.Logger().Named("app")

	if err := a.openKeyring(log); err != nil {
		return nil, err
	}
	cipher, err := vault.NewCipher(a.keyring, "fields")
	if err != nil {
		a.Close()
		return nil, err
	}

	var (
		trusted   report.TrustedLister
		mfaCounts report.MFACounter
		rotStore  rotation.Store
		linkStore links.Store
	)
	if cfg.Database.DSN != "" {
		store, err := pg.Open(cfg.Database.DSN, cipher)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: open database: %w", err)
		}
		a.PG = store
		a.Readiness.DB = store.DB()
		dir := store.Directory()
		mfaStore := store.MFA()
		a.Directory, a.Vault, a.Ledger, a.MFAStore = dir, store.Documents(), store.Sessions(), mfaStore
		trusted, mfaCounts, rotStore, linkStore = dir, mfaStore, store.Rotation(), store.Links()
	} else {
		log.Warn("no database configured, using in-memory stores")
		dir := auth.NewMemoryStore()
		mfaStore := mfa.NewMemoryStore()
		a.Directory, a.Vault, a.Ledger, a.MFAStore = dir, vault.NewMemory(cipher), ledger.NewInMemory(), mfaStore
		trusted, mfaCounts, rotStore, linkStore = dir, mfaStore, rotation.NewMemoryStore(), links.NewMemoryStore()
	}
	a.Matrix = auth.NewMatrix(a.Directory)

	limiter, err := a.limiter(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.MFA = mfa.NewProvider(a.MFAStore, mfa.Config{
		Issuer:      cfg.MFA.Issuer,
		Period:      cfg.MFA.Period,
		Skew:        cfg.MFA.Skew,
		Digits:      cfg.MFA.Digits,
		BackupCodes: cfg.MFA.BackupCodes,
	})
	scorer := anomaly.NewScorer(anomaly.Config{
		Threshold: cfg.Anomaly.Threshold,
		Weights: anomaly.Weights{
			Hour:      cfg.Anomaly.Weights.Hour,
			IP:        cfg.Anomaly.Weights.IP,
			Device:    cfg.Anomaly.Weights.Device,
			Frequency: cfg.Anomaly.Weights.Frequency,
			Failures:  cfg.Anomaly.Weights.Failures,
		},
		HourTolerance: cfg.Anomaly.HourTolerance,
		HourFull:      cfg.Anomaly.HourFull,
		IPLookback:    cfg.Anomaly.IPLookback,
		BurstWindow:   cfg.Anomaly.BurstWindow,
		MinBurst:      cfg.Anomaly.MinBurst,
		FailureSample: cfg.Anomaly.FailureSample,
	})

	a.Gate, err = reveal.NewGate(reveal.Deps{
		Directory: a.Directory,
		Limiter:   limiter,
		MFA:       a.MFA,
		Vault:     a.Vault,
		Scorer:    scorer,
		Ledger:    a.Ledger,
		Publisher: a.Alerts,
	}, reveal.WithHistoryLimit(cfg.Anomaly.HistoryLimit))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Links = links.NewService(linkStore, a.Gate, a.Vault, a.Ledger, links.Config{
		BaseURL:  cfg.Links.BaseURL,
		MaxHours: cfg.Links.MaxHours,
		MaxUses:  cfg.Links.MaxUses,
	})
	a.Rotation = rotation.NewScheduler(rotStore, a.Vault)
	a.Reports = report.NewService(a.Ledger, trusted, mfaCounts)

	if cfg.Auth.Secret != "" {
		if a.Tokens, err = auth.NewTokens(cfg.Auth.Secret); err != nil {
			a.Close()
			return nil, err
		}
	} else {
		log.Warn("auth.secret is empty, authenticated routes will answer 503")
	}
	return a, nil
}

func (a *App) openKeyring(log *zap.Logger) error {
	var err error
	if a.Config.Vault.MasterKey != "" {
		a.keyring, err = vault.KeyringFromBase64(a.Config.Vault.MasterKey)
		if err != nil {
			return fmt.Errorf("app: vault master key: %w", err)
		}
		return nil
	}
	if a.Config.Database.DSN != "" {
		return errors.New("app: vault.master_key is required with a database")
	}
	log.Warn("no vault master key configured, using an ephemeral key")
	a.keyring, err = vault.GenerateKeyring()
	return err
}

func (a *App) limiter(ctx context.Context, cfg config.Config) (*ratelimit.Limiter, error) {
	policy := ratelimit.Policy{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window}
	if cfg.RateLimit.Backend != "redis" {
		return ratelimit.New(ratelimit.NewMemory(), policy)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("app: redis ping: %w", err)
	}
	a.redis = client
	a.Readiness.Redis = client
	return ratelimit.New(ratelimit.NewRedis(client), policy, ratelimit.WithKeyPrefix("revealgate:reveal:"))
}

// API builds the HTTP layer over the app's services.
func (a *App) API(version string) *httpapi.API {
	opts := []httpapi.Option{
		httpapi.WithVersion(version),
		httpapi.WithReadiness(a.Readiness),
		httpapi.WithAdminRole(a.Config.Security.AdminRole),
		httpapi.WithIPRateLimit(a.Config.HTTP.IPBurst, a.Config.HTTP.IPRatePerSec),
		httpapi.WithMaxBodyBytes(a.Config.HTTP.MaxBodyBytes),
		httpapi.WithAllowedOrigins(a.Config.HTTP.AllowedOrigins),
	}
	if a.Config.Auth.DevTokens {
		opts = append(opts, httpapi.WithDevTokens(a.Config.Auth.TokenTTL))
	}
	return httpapi.New(httpapi.Services{
		Gate:     a.Gate,
		Links:    a.Links,
		MFA:      a.MFA,
		Rotation: a.Rotation,
		Reports:  a.Reports,
		Ledger:   a.Ledger,
		Alerts:   a.Alerts,
		Tokens:   a.Tokens,
	}, opts...)
}

// Close releases resources. Safe to call on a partially built App.
func (a *App) Close() {
	if a.PG != nil {
		_ = a.PG.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

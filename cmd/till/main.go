package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/till/internal/cache"
	"kasirinaja/till/internal/config"
	"kasirinaja/till/internal/httpapi"
	"kasirinaja/till/internal/metrics"
	"kasirinaja/till/internal/posapi"
	"kasirinaja/till/internal/service"
	"kasirinaja/till/internal/store"
	"kasirinaja/till/internal/store/memory"
	pgstore "kasirinaja/till/internal/store/postgres"
	"kasirinaja/till/internal/xid"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	decimal.MarshalJSONWithoutQuotes = true
	if err := xid.SetNode(cfg.SnowflakeNode); err != nil {
		log.Fatalf("invalid SNOWFLAKE_NODE: %v", err)
	}

	policies, err := config.LoadPolicyTable(cfg.DiscountPolicyFile)
	if err != nil {
		log.Fatalf("invalid discount policy file: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("postgres migration failed: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.New()
		log.Println("repository: in-memory")
	}

	var cacheStore cache.Cache = cache.Noop{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
			_ = redisCache.Close()
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	var registry *metrics.Metrics
	var metricsHandler http.Handler
	clientCfg := posapi.Config{
		BaseURL: cfg.BackendURL,
		Token:   cfg.BackendAPIToken,
		StoreID: cfg.StoreID,
		Timeout: cfg.BackendTimeout,
	}
	if cfg.MetricsEnabled {
		registry = metrics.New()
		metricsHandler = registry.Handler()
		clientCfg.Observer = registry
	}
	backend := posapi.New(clientCfg)

	svc := service.New(service.Options{
		Backend:          backend,
		Repo:             repo,
		Cache:            cacheStore,
		Metrics:          registry,
		FallbackPolicies: policies,
		TaxRate:          cfg.TaxRate,
		StoreID:          cfg.StoreID,
		CacheTTL:         cfg.PolicyCacheTTL,
		BarcodeTTL:       cfg.BarcodeCacheTTL,
		SearchDebounce:   cfg.SearchDebounce,
		MaxDevices:       cfg.MaxDevices,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, backend)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin:   cfg.AllowedOrigin,
		DefaultDeviceID: cfg.DefaultDeviceID,
		Metrics:         metricsHandler,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.BackendTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("till agent listening on %s (backend %s)", cfg.Address(), cfg.BackendURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("till agent stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	backendURL, err := url.Parse(cfg.BackendURL)
	if err != nil || (backendURL.Scheme != "http" && backendURL.Scheme != "https") || backendURL.Host == "" {
		return fmt.Errorf("BACKEND_URL must be an absolute http(s) URL")
	}
	if cfg.AllowedOrigin != "*" {
		origin, err := url.Parse(cfg.AllowedOrigin)
		if err != nil || (origin.Scheme != "http" && origin.Scheme != "https") {
			return fmt.Errorf("ALLOWED_ORIGIN must be * or an http(s) origin")
		}
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}

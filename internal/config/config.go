package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	BackendURL            string
	BackendAPIToken       string
	BackendTimeout        time.Duration
	StoreID               string
	DefaultDeviceID       string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	PolicyCacheTTL        time.Duration
	BarcodeCacheTTL       time.Duration
	MaxDevices            int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	TaxRate               decimal.Decimal
	SearchDebounce        time.Duration
	DiscountPolicyFile    string
	SnowflakeNode         int64
	MetricsEnabled        bool
}

// Load reads the environment, after merging an optional .env file from the
// working directory. Variables already set win over the file.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] WARN: failed to read .env: %v", err)
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	backendTimeout, err := strconv.Atoi(getEnv("BACKEND_TIMEOUT_SECONDS", "10"))
	if err != nil || backendTimeout < 1 {
		backendTimeout = 10
	}
	policyTTL, err := strconv.Atoi(getEnv("POLICY_CACHE_TTL_SECONDS", "300"))
	if err != nil || policyTTL < 1 {
		policyTTL = 300
	}
	barcodeTTL, err := strconv.Atoi(getEnv("BARCODE_CACHE_TTL_SECONDS", "30"))
	if err != nil || barcodeTTL < 1 {
		barcodeTTL = 30
	}
	maxDevices, err := strconv.Atoi(getEnv("MAX_DEVICES", "256"))
	if err != nil || maxDevices < 1 {
		maxDevices = 256
	}
	debounce, err := strconv.Atoi(getEnv("SEARCH_DEBOUNCE_MS", "300"))
	if err != nil || debounce < 0 {
		debounce = 300
	}
	taxRate, err := decimal.NewFromString(getEnv("TAX_RATE", "0.10"))
	if err != nil || taxRate.IsNegative() || taxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		taxRate = decimal.RequireFromString("0.10")
	}
	node, err := strconv.ParseInt(getEnv("SNOWFLAKE_NODE", "1"), 10, 64)
	if err != nil || node < 0 {
		node = 1
	}
	metrics, err := strconv.ParseBool(getEnv("METRICS_ENABLED", "true"))
	if err != nil {
		metrics = true
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8090"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		BackendURL:            strings.TrimRight(getEnv("BACKEND_URL", "http://127.0.0.1:8080/api"), "/"),
		BackendAPIToken:       strings.TrimSpace(os.Getenv("BACKEND_API_TOKEN")),
		BackendTimeout:        time.Duration(backendTimeout) * time.Second,
		StoreID:               getEnv("STORE_ID", "main-store"),
		DefaultDeviceID:       getEnv("DEFAULT_DEVICE_ID", "till-1"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		PolicyCacheTTL:        time.Duration(policyTTL) * time.Second,
		BarcodeCacheTTL:       time.Duration(barcodeTTL) * time.Second,
		MaxDevices:            maxDevices,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		TaxRate:               taxRate,
		SearchDebounce:        time.Duration(debounce) * time.Millisecond,
		DiscountPolicyFile:    strings.TrimSpace(os.Getenv("DISCOUNT_POLICY_FILE")),
		SnowflakeNode:         node,
		MetricsEnabled:        metrics,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

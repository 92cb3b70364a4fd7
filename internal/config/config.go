package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location, overridable by STOREFRONT_CONFIG.
var ConfigPath = "config.yaml"

var (
	storeDrivers = map[string]bool{"memory": true, "file": true, "sqlite": true, "redis": true, "postgres": true}
	relayDrivers = map[string]bool{"none": true, "memory": true, "redis": true, "amqp": true}
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel                string `yaml:"logLevel"`
	Profile                 string `yaml:"profile"`
	AuthServiceURL          string `yaml:"authServiceURL"`
	CatalogServiceURL       string `yaml:"catalogServiceURL"`
	OrderServiceURL         string `yaml:"orderServiceURL"`
	RequestTimeout          string `yaml:"requestTimeout"`
	StoreDriver             string `yaml:"storeDriver"`
	StorePath               string `yaml:"storePath"`
	RedisAddr               string `yaml:"redisAddr"`
	RedisPassword           string `yaml:"redisPassword"`
	DatabaseURL             string `yaml:"databaseURL"`
	RelayDriver             string `yaml:"relayDriver"`
	RelayChannel            string `yaml:"relayChannel"`
	AMQPURL                 string `yaml:"amqpURL"`
	RefreshSafetyMargin     string `yaml:"refreshSafetyMargin"`
	CatalogConcurrency      int    `yaml:"catalogConcurrency"`
	EncryptionKey           string `yaml:"encryptionKey"`
	LoginRateLimitPerMinute int    `yaml:"loginRateLimitPerMinute"`
	CoverEndpoint           string `yaml:"coverEndpoint"`
	CoverAccessKey          string `yaml:"coverAccessKey"`
	CoverSecretKey          string `yaml:"coverSecretKey"`
	CoverBucket             string `yaml:"coverBucket"`
	CoverUseSSL             bool   `yaml:"coverUseSSL"`
	CoverRegion             string `yaml:"coverRegion"`
	CoverURLExpiry          string `yaml:"coverURLExpiry"`
}

// Durations holds the parsed duration settings.
type Durations struct {
	RequestTimeout      time.Duration
	RefreshSafetyMargin time.Duration
	CoverURLExpiry      time.Duration
}

func defaults() FileConfig {
	return FileConfig{
		LogLevel:            "info",
		Profile:             "default",
		RequestTimeout:      "10s",
		StoreDriver:         "sqlite",
		StorePath:           "data",
		RelayDriver:         "none",
		RefreshSafetyMargin: "60s",
		CatalogConcurrency:  4,
		CoverURLExpiry:      "15m",
	}
}

// Load reads config from path (defaults to ConfigPath). A missing file at the
// default location is not an error; settings then come from defaults and env.
func Load(path string) (FileConfig, error) {
	cfg := defaults()
	explicit := path != ""
	if !explicit {
		path = ConfigPath
		if v := strings.TrimSpace(os.Getenv("STOREFRONT_CONFIG")); v != "" {
			path = v
			explicit = true
		}
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"STOREFRONT_LOG_LEVEL":             &cfg.LogLevel,
		"STOREFRONT_PROFILE":               &cfg.Profile,
		"STOREFRONT_AUTH_SERVICE_URL":      &cfg.AuthServiceURL,
		"STOREFRONT_CATALOG_SERVICE_URL":   &cfg.CatalogServiceURL,
		"STOREFRONT_ORDER_SERVICE_URL":     &cfg.OrderServiceURL,
		"STOREFRONT_REQUEST_TIMEOUT":       &cfg.RequestTimeout,
		"STOREFRONT_STORE_DRIVER":          &cfg.StoreDriver,
		"STOREFRONT_STORE_PATH":            &cfg.StorePath,
		"STOREFRONT_REDIS_ADDR":            &cfg.RedisAddr,
		"STOREFRONT_REDIS_PASSWORD":        &cfg.RedisPassword,
		"STOREFRONT_DATABASE_URL":          &cfg.DatabaseURL,
		"STOREFRONT_RELAY_DRIVER":          &cfg.RelayDriver,
		"STOREFRONT_RELAY_CHANNEL":         &cfg.RelayChannel,
		"STOREFRONT_AMQP_URL":              &cfg.AMQPURL,
		"STOREFRONT_REFRESH_SAFETY_MARGIN": &cfg.RefreshSafetyMargin,
		"STOREFRONT_ENCRYPTION_KEY":        &cfg.EncryptionKey,
		"STOREFRONT_COVER_ENDPOINT":        &cfg.CoverEndpoint,
		"STOREFRONT_COVER_ACCESS_KEY":      &cfg.CoverAccessKey,
		"STOREFRONT_COVER_SECRET_KEY":      &cfg.CoverSecretKey,
		"STOREFRONT_COVER_BUCKET":          &cfg.CoverBucket,
		"STOREFRONT_COVER_REGION":          &cfg.CoverRegion,
		"STOREFRONT_COVER_URL_EXPIRY":      &cfg.CoverURLExpiry,
	}
	for name, field := range strs {
		if v := os.Getenv(name); v != "" {
			*field = strings.TrimSpace(v)
		}
	}
	// Unprefixed names shared with the rest of the deployment.
	if v := os.Getenv("REDIS_ADDR"); v != "" && os.Getenv("STOREFRONT_REDIS_ADDR") == "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" && os.Getenv("STOREFRONT_REDIS_PASSWORD") == "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && os.Getenv("STOREFRONT_DATABASE_URL") == "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("STOREFRONT_CATALOG_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.CatalogConcurrency = n
		}
	}
	if v := os.Getenv("STOREFRONT_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("STOREFRONT_COVER_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.CoverUseSSL = b
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.AuthServiceURL) == "" {
		return errors.New("config: authServiceURL is required (set in config.yaml or STOREFRONT_AUTH_SERVICE_URL)")
	}
	if strings.TrimSpace(cfg.CatalogServiceURL) == "" {
		return errors.New("config: catalogServiceURL is required (set in config.yaml or STOREFRONT_CATALOG_SERVICE_URL)")
	}
	if strings.TrimSpace(cfg.OrderServiceURL) == "" {
		return errors.New("config: orderServiceURL is required (set in config.yaml or STOREFRONT_ORDER_SERVICE_URL)")
	}
	if strings.TrimSpace(cfg.Profile) == "" {
		return errors.New("config: profile must not be empty")
	}
	if !storeDrivers[cfg.StoreDriver] {
		return fmt.Errorf("config: unknown storeDriver %q", cfg.StoreDriver)
	}
	if !relayDrivers[cfg.RelayDriver] {
		return fmt.Errorf("config: unknown relayDriver %q", cfg.RelayDriver)
	}
	if (cfg.StoreDriver == "redis" || cfg.RelayDriver == "redis") && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for the redis store or relay")
	}
	if cfg.StoreDriver == "postgres" && strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required for the postgres store")
	}
	if cfg.RelayDriver == "amqp" && strings.TrimSpace(cfg.AMQPURL) == "" {
		return errors.New("config: amqpURL is required for the amqp relay")
	}
	if (cfg.StoreDriver == "file" || cfg.StoreDriver == "sqlite") && strings.TrimSpace(cfg.StorePath) == "" {
		return errors.New("config: storePath is required for the file and sqlite stores")
	}
	if cfg.CatalogConcurrency < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: catalogConcurrency and loginRateLimitPerMinute must be >= 0")
	}
	if key := strings.TrimSpace(cfg.EncryptionKey); key != "" {
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil || len(raw) != 32 {
			return errors.New("config: encryptionKey must be base64 of exactly 32 bytes")
		}
	}
	if cfg.CoverEndpoint != "" && cfg.CoverBucket == "" {
		return errors.New("config: coverBucket is required when coverEndpoint is set")
	}
	if _, err := ParseDurations(cfg); err != nil {
		return err
	}
	return nil
}

// ParseDurations parses the duration settings; empty values fall back to defaults.
func ParseDurations(cfg FileConfig) (Durations, error) {
	def := defaults()
	var out Durations
	var err error
	if out.RequestTimeout, err = parseDuration("requestTimeout", cfg.RequestTimeout, def.RequestTimeout); err != nil {
		return out, err
	}
	if out.RefreshSafetyMargin, err = parseDuration("refreshSafetyMargin", cfg.RefreshSafetyMargin, def.RefreshSafetyMargin); err != nil {
		return out, err
	}
	if out.CoverURLExpiry, err = parseDuration("coverURLExpiry", cfg.CoverURLExpiry, def.CoverURLExpiry); err != nil {
		return out, err
	}
	return out, nil
}

func parseDuration(name, value, fallback string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		value = fallback
	}
	dur, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("config: %s must be >= 0", name)
	}
	return dur, nil
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はクライアント全体の設定を保持する。
// デフォルト値 → YAMLファイル（任意）→ 環境変数 の順に上書きし、
// 起動時に1回読み込んだ後はイミュータブルとして扱う。
type Config struct {
	// API
	APIBaseURL   string        `yaml:"api_base_url"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	APIRateLimit float64       `yaml:"api_rate_limit"` // req/sec。0の場合は無制限
	APIRateBurst int           `yaml:"api_rate_burst"`

	// Realtime
	HubURL                string        `yaml:"hub_url"`
	RealtimeMaxReconnects int           `yaml:"realtime_max_reconnects"`
	RealtimeReconnectBase time.Duration `yaml:"realtime_reconnect_base"`

	// Credentials
	CredentialDBPath   string        `yaml:"credential_db_path"`
	TokenRefreshMargin time.Duration `yaml:"token_refresh_margin"`

	// Query
	PageSize int `yaml:"page_size"`

	// Metrics
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Default はデフォルト値で初期化したConfigを返す。
func Default() Config {
	return Config{
		HTTPTimeout:           10 * time.Second,
		APIRateBurst:          10,
		RealtimeMaxReconnects: 4,
		RealtimeReconnectBase: 2 * time.Second,
		CredentialDBPath:      "activitysync.db",
		TokenRefreshMargin:    5 * time.Second,
		PageSize:              2,
		LogLevel:              "info",
	}
}

// Load は設定ファイルと環境変数からConfigを読み込む。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("ACTIVITYSYNC_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.APIBaseURL = getEnvString("API_BASE_URL", cfg.APIBaseURL)
	cfg.HubURL = getEnvString("HUB_URL", cfg.HubURL)
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.APIRateLimit = getEnvFloat("API_RATE_LIMIT", cfg.APIRateLimit)
	cfg.APIRateBurst = getEnvInt("API_RATE_BURST", cfg.APIRateBurst)
	cfg.RealtimeMaxReconnects = getEnvInt("REALTIME_MAX_RECONNECTS", cfg.RealtimeMaxReconnects)
	cfg.RealtimeReconnectBase = getEnvDuration("REALTIME_RECONNECT_BASE", cfg.RealtimeReconnectBase)
	cfg.CredentialDBPath = getEnvString("CREDENTIAL_DB_PATH", cfg.CredentialDBPath)
	cfg.TokenRefreshMargin = getEnvDuration("TOKEN_REFRESH_MARGIN", cfg.TokenRefreshMargin)
	cfg.PageSize = getEnvInt("PAGE_SIZE", cfg.PageSize)
	cfg.MetricsAddr = getEnvString("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = getEnvString("LOG_LEVEL", cfg.LogLevel)

	// Required fields
	var missing []string
	if cfg.APIBaseURL == "" {
		missing = append(missing, "API_BASE_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("PAGE_SIZE must be positive: %d", cfg.PageSize)
	}

	if cfg.HubURL == "" {
		hubURL, err := defaultHubURL(cfg.APIBaseURL)
		if err != nil {
			return nil, err
		}
		cfg.HubURL = hubURL
	}

	return &cfg, nil
}

// defaultHubURL はAPIのオリジンから /chat ハブのURLを導出する。
// http(s) スキームは ws(s) に置き換える。
func defaultHubURL(apiBaseURL string) (string, error) {
	u, err := url.Parse(apiBaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid API_BASE_URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/chat"
	u.RawQuery = ""
	return u.String(), nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

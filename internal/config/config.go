// Package config loads the service's environment-driven settings once at
// startup into an immutable Settings value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the validated configuration surface for the whole process.
type Settings struct {
	PSIAPIKey    string
	GoogleAPIKey string

	CacheDBPath      string
	CacheTTLSeconds  int
	AuditTimeout     time.Duration
	QueueTimeout     time.Duration

	MaxConcurrentAudits int
	MaxQueueSize        int
	MaxJobsPerIP        int

	BrowserPoolSize     int
	BrowserLaunchTimeout time.Duration
	BrowserIdleTimeout   time.Duration
	BrowserBin           string

	AnalyzerBin string

	ListenAddr  string
	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// Load reads environment variables (with AUDIT_CACHE_PATH-style names) into
// a Settings value, applying the defaults from section 6, and fails fast if
// either required API key is absent — mirroring the source's fatal-at-startup
// treatment of DependencyMissing.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"psi_api_key", "google_api_key", "audit_cache_path",
		"cache_ttl_seconds", "audit_timeout", "max_concurrent_audits",
		"max_queue_size", "queue_timeout_seconds", "browser_pool_size",
		"browser_launch_timeout", "browser_idle_timeout", "browser_bin",
		"analyzer_bin", "listen_addr", "metrics_addr", "log_level",
		"log_format", "max_jobs_per_ip",
	} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	v.SetDefault("cache_ttl_seconds", 86400)
	v.SetDefault("audit_timeout", 600)
	v.SetDefault("max_concurrent_audits", 10)
	v.SetDefault("max_queue_size", 50)
	v.SetDefault("queue_timeout_seconds", 300)
	v.SetDefault("browser_pool_size", 5)
	v.SetDefault("browser_launch_timeout", 30)
	v.SetDefault("browser_idle_timeout", 300)
	v.SetDefault("analyzer_bin", "lighthouse")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("max_jobs_per_ip", 5)

	psiKey := strings.TrimSpace(v.GetString("psi_api_key"))
	if psiKey == "" {
		return nil, fmt.Errorf("PSI_API_KEY environment variable is required")
	}
	googleKey := strings.TrimSpace(v.GetString("google_api_key"))
	if googleKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY environment variable is required")
	}

	cachePath := strings.TrimSpace(v.GetString("audit_cache_path"))
	if cachePath == "" {
		var err error
		cachePath, err = defaultCachePath()
		if err != nil {
			return nil, err
		}
	}

	metricsAddr := strings.TrimSpace(v.GetString("metrics_addr"))
	listenAddr := v.GetString("listen_addr")
	if metricsAddr == "" {
		metricsAddr = listenAddr
	}

	return &Settings{
		PSIAPIKey:            psiKey,
		GoogleAPIKey:         googleKey,
		CacheDBPath:          cachePath,
		CacheTTLSeconds:      v.GetInt("cache_ttl_seconds"),
		AuditTimeout:         time.Duration(v.GetInt("audit_timeout")) * time.Second,
		QueueTimeout:         time.Duration(v.GetInt("queue_timeout_seconds")) * time.Second,
		MaxConcurrentAudits:  v.GetInt("max_concurrent_audits"),
		MaxQueueSize:         v.GetInt("max_queue_size"),
		MaxJobsPerIP:         v.GetInt("max_jobs_per_ip"),
		BrowserPoolSize:      v.GetInt("browser_pool_size"),
		BrowserLaunchTimeout: time.Duration(v.GetInt("browser_launch_timeout")) * time.Second,
		BrowserIdleTimeout:   time.Duration(v.GetInt("browser_idle_timeout")) * time.Second,
		BrowserBin:           v.GetString("browser_bin"),
		AnalyzerBin:          v.GetString("analyzer_bin"),
		ListenAddr:           listenAddr,
		MetricsAddr:          metricsAddr,
		LogLevel:             v.GetString("log_level"),
		LogFormat:            v.GetString("log_format"),
	}, nil
}

func defaultCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving default cache path: %w", err)
	}
	dir := filepath.Join(home, ".cache", "auditforge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir %s: %w", dir, err)
	}
	return filepath.Join(dir, "audit_cache.db"), nil
}

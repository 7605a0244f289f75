// Package config provides configuration management for promptcluster.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 37790

	// DefaultSimilarityThreshold is the cosine similarity above which two
	// prompts are clustered together.
	DefaultSimilarityThreshold = 0.9

	// DefaultMinPrompts is the minimum number of prompts a user needs to be
	// included in a multi-user analysis.
	DefaultMinPrompts = 4

	// DefaultEmbeddingModel is the embedding model used when none is configured.
	DefaultEmbeddingModel = "hash-v1"

	// DefaultMaxUploadBytes caps the size of an imported CSV body.
	DefaultMaxUploadBytes = 32 << 20

	// DefaultMaintenanceIntervalHours is how often stored analyses are pruned.
	DefaultMaintenanceIntervalHours = 24

	// DefaultResultRetentionDays is how long stored analyses are kept.
	DefaultResultRetentionDays = 30
)

// Settings keys. Each key may appear in settings.json or as an environment variable.
const (
	KeyWorkerPort           = "PROMPTCLUSTER_WORKER_PORT"
	KeyDBPath               = "PROMPTCLUSTER_DB_PATH"
	KeyDatabaseDSN          = "PROMPTCLUSTER_DATABASE_DSN"
	KeyMaxConns             = "PROMPTCLUSTER_MAX_CONNS"
	KeySimilarityThreshold  = "PROMPTCLUSTER_SIMILARITY_THRESHOLD"
	KeyMinPrompts           = "PROMPTCLUSTER_MIN_PROMPTS"
	KeyEmbeddingBatchSize   = "PROMPTCLUSTER_EMBEDDING_BATCH_SIZE"
	KeyEmbeddingConcurrency = "PROMPTCLUSTER_EMBEDDING_CONCURRENCY"
	KeyEmbeddingModel       = "PROMPTCLUSTER_EMBEDDING_MODEL"
	KeyMaxUploadBytes       = "PROMPTCLUSTER_MAX_UPLOAD_BYTES"
	KeyMaintenanceEnabled   = "PROMPTCLUSTER_MAINTENANCE_ENABLED"
	KeyMaintenanceInterval  = "PROMPTCLUSTER_MAINTENANCE_INTERVAL_HOURS"
	KeyResultRetentionDays  = "PROMPTCLUSTER_RESULT_RETENTION_DAYS"
	KeyDataDir              = "PROMPTCLUSTER_DATA_DIR"
)

var settingsKeys = []string{
	KeyWorkerPort, KeyDBPath, KeyDatabaseDSN, KeyMaxConns,
	KeySimilarityThreshold, KeyMinPrompts,
	KeyEmbeddingBatchSize, KeyEmbeddingConcurrency, KeyEmbeddingModel,
	KeyMaxUploadBytes,
	KeyMaintenanceEnabled, KeyMaintenanceInterval, KeyResultRetentionDays,
}

// Config holds the application configuration.
type Config struct {
	// Worker settings
	WorkerPort     int   `json:"worker_port"`
	MaxUploadBytes int64 `json:"max_upload_bytes"`

	// Database settings. DatabaseDSN selects PostgreSQL; otherwise DBPath is a SQLite file.
	DBPath      string `json:"db_path"`
	DatabaseDSN string `json:"-"`
	MaxConns    int    `json:"max_conns"`

	// Clustering settings
	SimilarityThreshold float64 `json:"similarity_threshold"`
	MinPrompts          int     `json:"min_prompts"`

	// Embedding settings
	EmbeddingModel       string `json:"embedding_model"` // e.g., "hash-v1", "openai"
	EmbeddingBatchSize   int    `json:"embedding_batch_size"`
	EmbeddingConcurrency int    `json:"embedding_concurrency"`

	// Maintenance settings. A zero retention keeps analyses until their user is deleted.
	MaintenanceEnabled       bool `json:"maintenance_enabled"`
	MaintenanceIntervalHours int  `json:"maintenance_interval_hours"`
	ResultRetentionDays      int  `json:"result_retention_days"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.promptcluster).
func DataDir() string {
	if dir := os.Getenv(KeyDataDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".promptcluster")
}

// DBPath returns the database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "promptcluster.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaultSettings := `{
  "PROMPTCLUSTER_WORKER_PORT": 37790,
  "PROMPTCLUSTER_SIMILARITY_THRESHOLD": 0.9,
  "PROMPTCLUSTER_MIN_PROMPTS": 4,
  "PROMPTCLUSTER_EMBEDDING_MODEL": "hash-v1"
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		WorkerPort:           DefaultWorkerPort,
		MaxUploadBytes:       DefaultMaxUploadBytes,
		DBPath:               DBPath(),
		MaxConns:             4,
		SimilarityThreshold:  DefaultSimilarityThreshold,
		MinPrompts:           DefaultMinPrompts,
		EmbeddingModel:       DefaultEmbeddingModel,
		EmbeddingBatchSize:   32,
		EmbeddingConcurrency: 4,

		MaintenanceEnabled:       true,
		MaintenanceIntervalHours: DefaultMaintenanceIntervalHours,
		ResultRetentionDays:      DefaultResultRetentionDays,
	}
}

// Load loads configuration from the settings file, merging with defaults.
// Environment variables named like the settings keys take precedence.
func Load() (*Config, error) {
	return LoadFrom(SettingsPath())
}

// LoadFrom loads configuration from the given settings file.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	settings := make(map[string]interface{})
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &settings); err != nil {
			settings = make(map[string]interface{}) // defaults on parse error
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	for _, key := range settingsKeys {
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		settings[key] = v
	}

	if v, ok := settings[KeyWorkerPort].(float64); ok && v > 0 {
		cfg.WorkerPort = int(v)
	}
	if v, ok := settings[KeyDBPath].(string); ok && v != "" {
		cfg.DBPath = v
	}
	if v, ok := settings[KeyDatabaseDSN].(string); ok {
		cfg.DatabaseDSN = v
	}
	if v, ok := settings[KeyMaxConns].(float64); ok && v > 0 {
		cfg.MaxConns = int(v)
	}
	// Same (0, 1] range the analyze command enforces.
	if v, ok := settings[KeySimilarityThreshold].(float64); ok && v > 0 && v <= 1 {
		cfg.SimilarityThreshold = v
	}
	if v, ok := settings[KeyMinPrompts].(float64); ok && v >= 1 {
		cfg.MinPrompts = int(v)
	}
	if v, ok := settings[KeyEmbeddingModel].(string); ok && v != "" {
		cfg.EmbeddingModel = v
	}
	if v, ok := settings[KeyEmbeddingBatchSize].(float64); ok && v > 0 {
		cfg.EmbeddingBatchSize = int(v)
	}
	if v, ok := settings[KeyEmbeddingConcurrency].(float64); ok && v > 0 {
		cfg.EmbeddingConcurrency = int(v)
	}
	if v, ok := settings[KeyMaxUploadBytes].(float64); ok && v > 0 {
		cfg.MaxUploadBytes = int64(v)
	}
	if v, ok := settings[KeyMaintenanceEnabled].(bool); ok {
		cfg.MaintenanceEnabled = v
	}
	if v, ok := settings[KeyMaintenanceInterval].(float64); ok && v >= 1 {
		cfg.MaintenanceIntervalHours = int(v)
	}
	if v, ok := settings[KeyResultRetentionDays].(float64); ok && v >= 0 {
		cfg.ResultRetentionDays = int(v)
	}

	return cfg, nil
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Reload re-reads the settings file and replaces the global configuration.
// The previous configuration stays in effect if loading fails.
func Reload() (*Config, error) {
	Get()

	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetWorkerPort returns the worker port from environment or config.
func GetWorkerPort() int {
	if port := os.Getenv(KeyWorkerPort); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			return p
		}
	}
	return Get().WorkerPort
}

// GetEmbeddingAPIKey returns the API key for remote embedding providers.
func GetEmbeddingAPIKey() string {
	return os.Getenv("EMBEDDING_API_KEY")
}

// GetEmbeddingBaseURL returns the base URL of an OpenAI-compatible embedding API.
func GetEmbeddingBaseURL() string {
	return os.Getenv("EMBEDDING_BASE_URL")
}

// GetEmbeddingModelName returns the remote embedding model name.
func GetEmbeddingModelName() string {
	return os.Getenv("EMBEDDING_MODEL_NAME")
}

// GetEmbeddingDimensions returns the configured remote embedding dimension, or 0.
func GetEmbeddingDimensions() int {
	if v := os.Getenv("EMBEDDING_DIMENSIONS"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			return d
		}
	}
	return 0
}

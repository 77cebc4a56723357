// Package config provides configuration management for the Clipforge Agent.
// Configuration is loaded from an optional YAML file, then overridden by
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Default values
	DefaultPort           = 8787
	DefaultLogLevel       = "info"
	DefaultDataDir        = ".clipforge"
	DefaultBucket         = "video-storage"
	DefaultMinioEndpoint  = "localhost:9000"
	DefaultSandboxMode    = "local"
	DefaultScriptName     = "edit.sh"
	DefaultJobTimeout     = 300 * time.Second
	DefaultStagingTimeout = 120 * time.Second
	DefaultUploadTimeout  = 120 * time.Second

	// Environment variable names
	EnvPort           = "CLIPFORGE_PORT"
	EnvLogLevel       = "CLIPFORGE_LOG_LEVEL"
	EnvDataDir        = "CLIPFORGE_DATA_DIR"
	EnvConfigFile     = "CLIPFORGE_CONFIG"
	EnvAuthToken      = "CLIPFORGE_AUTH_TOKEN"
	EnvSandboxMode    = "CLIPFORGE_SANDBOX"
	EnvSandboxName    = "CLIPFORGE_SANDBOX_CONTAINER"
	EnvJobTimeout     = "CLIPFORGE_JOB_TIMEOUT"
	EnvStagingTimeout = "CLIPFORGE_STAGING_TIMEOUT"
	EnvUploadTimeout  = "CLIPFORGE_UPLOAD_TIMEOUT"
	EnvAnalysisURL    = "CLIPFORGE_ANALYSIS_URL"
	EnvAnalysisKey    = "CLIPFORGE_ANALYSIS_KEY"
	EnvMinioEndpoint  = "MINIO_ENDPOINT"
	EnvMinioAccessKey = "MINIO_ACCESS_KEY"
	EnvMinioSecretKey = "MINIO_SECRET_KEY"
	EnvMinioBucket    = "MINIO_BUCKET_NAME"
	EnvMinioUseSSL    = "MINIO_USE_SSL"

	// Database filename
	DBFilename = "clipforge.db"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	ScratchDir() string
	AuthToken() string

	MinioEndpoint() string
	MinioAccessKey() string
	MinioSecretKey() string
	MinioBucket() string
	MinioUseSSL() bool

	SandboxMode() string
	SandboxContainer() string

	JobTimeout() time.Duration
	StagingTimeout() time.Duration
	UploadTimeout() time.Duration

	AnalysisURL() string
	AnalysisKey() string
}

// fileConfig mirrors the optional YAML configuration file.
type fileConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	Storage struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"storage"`

	Sandbox struct {
		Mode      string `yaml:"mode"`
		Container string `yaml:"container"`
	} `yaml:"sandbox"`

	Timeouts struct {
		JobSeconds     int `yaml:"job_seconds"`
		StagingSeconds int `yaml:"staging_seconds"`
		UploadSeconds  int `yaml:"upload_seconds"`
	} `yaml:"timeouts"`

	Analysis struct {
		URL string `yaml:"url"`
		Key string `yaml:"key"`
	} `yaml:"analysis"`
}

// EnvConfig reads configuration from a YAML file and environment variables,
// with environment variables taking precedence.
type EnvConfig struct {
	port      int
	logLevel  string
	dataDir   string
	authToken string

	minioEndpoint  string
	minioAccessKey string
	minioSecretKey string
	minioBucket    string
	minioUseSSL    bool

	sandboxMode      string
	sandboxContainer string

	jobTimeout     time.Duration
	stagingTimeout time.Duration
	uploadTimeout  time.Duration

	analysisURL string
	analysisKey string
}

// New creates a new EnvConfig with defaults, YAML file values, and
// environment variable overrides, in that order.
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:           DefaultPort,
		logLevel:       DefaultLogLevel,
		dataDir:        defaultDataDir(),
		minioEndpoint:  DefaultMinioEndpoint,
		minioAccessKey: "minioadmin",
		minioSecretKey: "minioadmin123",
		minioBucket:    DefaultBucket,
		sandboxMode:    DefaultSandboxMode,
		jobTimeout:     DefaultJobTimeout,
		stagingTimeout: DefaultStagingTimeout,
		uploadTimeout:  DefaultUploadTimeout,
	}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.sandboxMode != "local" && cfg.sandboxMode != "docker" {
		return nil, fmt.Errorf("invalid %s: must be 'local' or 'docker', got %q", EnvSandboxMode, cfg.sandboxMode)
	}
	if cfg.sandboxMode == "docker" && cfg.sandboxContainer == "" {
		return nil, fmt.Errorf("%s is required when sandbox mode is 'docker'", EnvSandboxName)
	}

	return cfg, nil
}

func (c *EnvConfig) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if fc.Port != 0 {
		c.port = fc.Port
	}
	if fc.LogLevel != "" {
		c.logLevel = fc.LogLevel
	}
	if fc.DataDir != "" {
		c.dataDir = fc.DataDir
	}
	if fc.Storage.Endpoint != "" {
		c.minioEndpoint = fc.Storage.Endpoint
	}
	if fc.Storage.AccessKey != "" {
		c.minioAccessKey = fc.Storage.AccessKey
	}
	if fc.Storage.SecretKey != "" {
		c.minioSecretKey = fc.Storage.SecretKey
	}
	if fc.Storage.Bucket != "" {
		c.minioBucket = fc.Storage.Bucket
	}
	if fc.Storage.UseSSL {
		c.minioUseSSL = true
	}
	if fc.Sandbox.Mode != "" {
		c.sandboxMode = fc.Sandbox.Mode
	}
	if fc.Sandbox.Container != "" {
		c.sandboxContainer = fc.Sandbox.Container
	}
	if fc.Timeouts.JobSeconds > 0 {
		c.jobTimeout = time.Duration(fc.Timeouts.JobSeconds) * time.Second
	}
	if fc.Timeouts.StagingSeconds > 0 {
		c.stagingTimeout = time.Duration(fc.Timeouts.StagingSeconds) * time.Second
	}
	if fc.Timeouts.UploadSeconds > 0 {
		c.uploadTimeout = time.Duration(fc.Timeouts.UploadSeconds) * time.Second
	}
	if fc.Analysis.URL != "" {
		c.analysisURL = fc.Analysis.URL
	}
	if fc.Analysis.Key != "" {
		c.analysisKey = fc.Analysis.Key
	}

	return nil
}

func (c *EnvConfig) applyEnv() error {
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		c.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		c.logLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		c.dataDir = dd
	}
	if t := os.Getenv(EnvAuthToken); t != "" {
		c.authToken = t
	}

	if e := os.Getenv(EnvMinioEndpoint); e != "" {
		c.minioEndpoint = e
	}
	if k := os.Getenv(EnvMinioAccessKey); k != "" {
		c.minioAccessKey = k
	}
	if k := os.Getenv(EnvMinioSecretKey); k != "" {
		c.minioSecretKey = k
	}
	if b := os.Getenv(EnvMinioBucket); b != "" {
		c.minioBucket = b
	}
	if s := os.Getenv(EnvMinioUseSSL); s != "" {
		useSSL, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMinioUseSSL, err)
		}
		c.minioUseSSL = useSSL
	}

	if m := os.Getenv(EnvSandboxMode); m != "" {
		c.sandboxMode = m
	}
	if n := os.Getenv(EnvSandboxName); n != "" {
		c.sandboxContainer = n
	}

	for _, tv := range []struct {
		env  string
		dst  *time.Duration
		name string
	}{
		{EnvJobTimeout, &c.jobTimeout, "job timeout"},
		{EnvStagingTimeout, &c.stagingTimeout, "staging timeout"},
		{EnvUploadTimeout, &c.uploadTimeout, "upload timeout"},
	} {
		if v := os.Getenv(tv.env); v != "" {
			secs, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", tv.env, err)
			}
			if secs < 1 {
				return fmt.Errorf("invalid %s: %s must be positive", tv.env, tv.name)
			}
			*tv.dst = time.Duration(secs) * time.Second
		}
	}

	if u := os.Getenv(EnvAnalysisURL); u != "" {
		c.analysisURL = u
	}
	if k := os.Getenv(EnvAnalysisKey); k != "" {
		c.analysisKey = k
	}

	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// ScratchDir returns the base directory for per-job staging directories
func (c *EnvConfig) ScratchDir() string {
	return filepath.Join(c.dataDir, "scratch")
}

func (c *EnvConfig) AuthToken() string {
	return c.authToken
}

func (c *EnvConfig) MinioEndpoint() string {
	return c.minioEndpoint
}

func (c *EnvConfig) MinioAccessKey() string {
	return c.minioAccessKey
}

func (c *EnvConfig) MinioSecretKey() string {
	return c.minioSecretKey
}

func (c *EnvConfig) MinioBucket() string {
	return c.minioBucket
}

func (c *EnvConfig) MinioUseSSL() bool {
	return c.minioUseSSL
}

// SandboxMode returns the sandbox backend: "local" or "docker"
func (c *EnvConfig) SandboxMode() string {
	return c.sandboxMode
}

// SandboxContainer returns the container name used by the docker sandbox
func (c *EnvConfig) SandboxContainer() string {
	return c.sandboxContainer
}

func (c *EnvConfig) JobTimeout() time.Duration {
	return c.jobTimeout
}

func (c *EnvConfig) StagingTimeout() time.Duration {
	return c.stagingTimeout
}

func (c *EnvConfig) UploadTimeout() time.Duration {
	return c.uploadTimeout
}

func (c *EnvConfig) AnalysisURL() string {
	return c.analysisURL
}

func (c *EnvConfig) AnalysisKey() string {
	return c.analysisKey
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the API server, worker and client.
type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	HTTPHost string `yaml:"http_host"`
	HTTPPort string `yaml:"http_port"`

	OutputDir        string        `yaml:"output_dir"`
	CkptDir          string        `yaml:"ckpt_dir"`
	GeneratorPython  string        `yaml:"generator_python"`
	GeneratorScript  string        `yaml:"generator_script"`
	GeneratorTask    string        `yaml:"generator_task"`
	GeneratorWorkDir string        `yaml:"generator_workdir"`
	GeneratorTimeout time.Duration `yaml:"generator_timeout"`
	WorkerRetryDelay time.Duration `yaml:"worker_retry_delay"`

	QueueBackend  string `yaml:"queue_backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisQueueKey string `yaml:"redis_queue_key"`

	RateLimitEnabled  bool    `yaml:"rate_limit_enabled"`
	RateLimitCapacity int     `yaml:"rate_limit_capacity"`
	RateLimitRefill   float64 `yaml:"rate_limit_refill_per_sec"`

	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	PostgresDSN string `yaml:"postgres_dsn"`

	ArtifactS3Bucket    string `yaml:"artifact_s3_bucket"`
	ArtifactS3Region    string `yaml:"artifact_s3_region"`
	ArtifactS3Endpoint  string `yaml:"artifact_s3_endpoint"`
	ArtifactS3PathStyle bool   `yaml:"artifact_s3_path_style"`
	ArtifactS3Prefix    string `yaml:"artifact_s3_prefix"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Env:                "dev",
		LogLevel:           "info",
		HTTPHost:           "0.0.0.0",
		HTTPPort:           "3000",
		OutputDir:          "outputs",
		CkptDir:            "./Wan2.1-T2V-1.3B",
		GeneratorPython:    "python",
		GeneratorScript:    "generate.py",
		GeneratorTask:      "t2v-1.3B",
		GeneratorTimeout:   30 * time.Minute,
		WorkerRetryDelay:   time.Second,
		QueueBackend:       "memory",
		RedisAddr:          "localhost:6379",
		RedisQueueKey:      "videogen:queue",
		RateLimitCapacity:  10,
		RateLimitRefill:    0.1,
		NATSSubjectPrefix:  "videogen.jobs",
		ArtifactS3Region:   "us-east-1",
		ArtifactS3Prefix:   "videos/",
		CORSAllowedOrigins: []string{"*"},
	}
}

// Load reads configuration in layers: defaults, the YAML file named by
// CONFIG_FILE, .env files, then environment variables.
func Load() (Config, error) {
	// Missing .env files are fine.
	_ = godotenv.Load(".env", ".env.local")

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.HTTPHost = getEnv("HTTP_HOST", cfg.HTTPHost)
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.OutputDir = getEnv("OUTPUT_DIR", cfg.OutputDir)
	cfg.CkptDir = getEnv("CKPT_DIR", cfg.CkptDir)
	cfg.GeneratorPython = getEnv("GENERATOR_PYTHON", cfg.GeneratorPython)
	cfg.GeneratorScript = getEnv("GENERATOR_SCRIPT", cfg.GeneratorScript)
	cfg.GeneratorTask = getEnv("GENERATOR_TASK", cfg.GeneratorTask)
	cfg.GeneratorWorkDir = getEnv("GENERATOR_WORKDIR", cfg.GeneratorWorkDir)
	cfg.GeneratorTimeout = getEnvDuration("GENERATOR_TIMEOUT", cfg.GeneratorTimeout)
	cfg.WorkerRetryDelay = getEnvDuration("WORKER_RETRY_DELAY", cfg.WorkerRetryDelay)
	cfg.QueueBackend = getEnv("QUEUE_BACKEND", cfg.QueueBackend)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.RedisQueueKey = getEnv("REDIS_QUEUE_KEY", cfg.RedisQueueKey)
	cfg.RateLimitEnabled = getEnvBool("RATE_LIMIT_ENABLED", cfg.RateLimitEnabled)
	cfg.RateLimitCapacity = getEnvInt("RATE_LIMIT_CAPACITY", cfg.RateLimitCapacity)
	cfg.RateLimitRefill = getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", cfg.RateLimitRefill)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.ArtifactS3Bucket = getEnv("ARTIFACT_S3_BUCKET", cfg.ArtifactS3Bucket)
	cfg.ArtifactS3Region = getEnv("ARTIFACT_S3_REGION", cfg.ArtifactS3Region)
	cfg.ArtifactS3Endpoint = getEnv("ARTIFACT_S3_ENDPOINT", cfg.ArtifactS3Endpoint)
	cfg.ArtifactS3PathStyle = getEnvBool("ARTIFACT_S3_PATH_STYLE", cfg.ArtifactS3PathStyle)
	cfg.ArtifactS3Prefix = getEnv("ARTIFACT_S3_PREFIX", cfg.ArtifactS3Prefix)
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.QueueBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: QUEUE_BACKEND must be memory or redis, got %q", c.QueueBackend)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("config: OUTPUT_DIR is required")
	}
	if c.WorkerRetryDelay <= 0 {
		return fmt.Errorf("config: WORKER_RETRY_DELAY must be positive")
	}
	if c.RateLimitEnabled && c.RateLimitCapacity <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_CAPACITY must be positive when rate limiting is enabled")
	}
	return nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return c.HTTPHost + ":" + c.HTTPPort
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

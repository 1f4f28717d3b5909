package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".claimd/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"claimd/"`
	S3Region string `envconfig:"S3_REGION" default:"me-south-1"`
}

// PolicyEnv tunes the claim protocol. Defaults follow the coordination
// contract: 60m leases, 3 claims per owner, 3 attempts per claim.
type PolicyEnv struct {
	DefaultLease       time.Duration `envconfig:"DEFAULT_LEASE" default:"60m"`
	MaxLease           time.Duration `envconfig:"MAX_LEASE" default:"4h"`
	MaxClaimsPerOwner  int           `envconfig:"MAX_CLAIMS_PER_OWNER" default:"3"`
	ClaimAttempts      int           `envconfig:"CLAIM_ATTEMPTS" default:"3"`
	OverlapWarnOnly    bool          `envconfig:"OVERLAP_WARN_ONLY" default:"false"`
	StalenessThreshold time.Duration `envconfig:"STALENESS_THRESHOLD" default:"0"`
	MonitorInterval    time.Duration `envconfig:"MONITOR_INTERVAL" default:"30s"`
	RoutingTablePath   string        `envconfig:"ROUTING_TABLE" default:""`
}

type Env struct {
	BaseEnv
	StorageEnv
	PolicyEnv
}

const namespace = "CLAIMD"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

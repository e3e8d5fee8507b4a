// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8001"`

	// Store and local artifact layout.
	DBPath  string `env:"DB_PATH" envDefault:"./gpuqueue.db"`
	JobsDir string `env:"JOBS_DIR" envDefault:"./jobs"`

	// Compute pool. NodeAddresses are the second-hop targets, indexed by
	// node id; NumNodes must equal len(NodeAddresses).
	NumNodes      int      `env:"NUM_NODES" envDefault:"8"`
	NodeAddresses []string `env:"NODE_ADDRESSES" envSeparator:","`

	// Bastion (first hop). Secondary is attempted when the primary is
	// unreachable; AllowDirect permits falling back to a direct connection.
	BastionAddress   string `env:"BASTION_ADDRESS"`
	BastionUser      string `env:"BASTION_USER"`
	BastionSecondary string `env:"BASTION_SECONDARY"`
	BastionKeyPath   string `env:"BASTION_KEY_PATH"`
	SSHAllowDirect   bool   `env:"SSH_ALLOW_DIRECT" envDefault:"false"`

	// Second hop authentication.
	RemoteUser     string `env:"REMOTE_USER" envDefault:"gpuuser"`
	RemotePassword string `env:"REMOTE_PASSWORD"`

	// Remote execution layout. GraderCommand is a format string receiving
	// the uploaded script path, the competition id and the result artifact
	// path, in that order.
	RemoteWorkDir string `env:"REMOTE_WORK_DIR" envDefault:"/home/gpuuser/work"`
	GraderCommand string `env:"GRADER_COMMAND" envDefault:"grade-code %s %s %s"`

	// Transport budgets.
	SSHTimeout           time.Duration `env:"SSH_TIMEOUT" envDefault:"30s"`
	SSHKeepAliveInterval time.Duration `env:"SSH_KEEPALIVE_INTERVAL" envDefault:"60s"`
	SSHRetryAttempts     int           `env:"SSH_RETRY_ATTEMPTS" envDefault:"3"`

	// Admission policy.
	SubmitRatePerMinute       int `env:"SUBMIT_RATE_PER_MINUTE" envDefault:"5"`
	MaxActiveJobsPerPrincipal int `env:"MAX_ACTIVE_JOBS_PER_PRINCIPAL" envDefault:"1"`
	CredentialMaxValidityDays int `env:"CREDENTIAL_MAX_VALIDITY_DAYS" envDefault:"30"`

	// Supervision policy.
	WallClockMultiplier   int           `env:"WALL_CLOCK_MULTIPLIER" envDefault:"2"`
	WaitMaxSeconds        int           `env:"WAIT_MAX_SECONDS" envDefault:"300"`
	SupervisePollInterval time.Duration `env:"SUPERVISE_POLL_INTERVAL" envDefault:"2s"`
	WorkerIdleSleep       time.Duration `env:"WORKER_IDLE_SLEEP" envDefault:"1s"`
	RetrieveMaxAttempts   int           `env:"RETRIEVE_MAX_ATTEMPTS" envDefault:"5"`

	// Pre-admission screening hook. Quick mode runs static checks only;
	// deep mode additionally consults the review API.
	ScannerEnabled bool   `env:"SCANNER_ENABLED" envDefault:"false"`
	ScannerQuick   bool   `env:"SCANNER_QUICK" envDefault:"true"`
	ScannerBaseURL string `env:"SCANNER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	ScannerAPIKey  string `env:"SCANNER_API_KEY"`
	ScannerModel   string `env:"SCANNER_MODEL" envDefault:"anthropic/claude-3.5-sonnet"`

	// Per-job workspace reset (best-effort container restart on the bastion).
	RestartRemoteWorkspace   bool          `env:"RESTART_REMOTE_WORKSPACE" envDefault:"false"`
	WorkspaceContainerPrefix string        `env:"WORKSPACE_CONTAINER_PREFIX" envDefault:"gpu-node"`
	WorkspaceRestartWait     time.Duration `env:"WORKSPACE_RESTART_WAIT" envDefault:"30s"`

	// HTTP surface.
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"100"`
	MaxUploadMB           int64         `env:"MAX_UPLOAD_MB" envDefault:"10"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"330s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Retention.
	DataRetentionDays int           `env:"DATA_RETENTION_DAYS" envDefault:"90"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`

	// Observability. LogLevel overrides the per-environment default when set
	// ("debug", "info", "warn", "error").
	LogLevel        string `env:"LOG_LEVEL" envDefault:""`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"gpuqueue"`
}

// Load parses environment variables into a Config and validates the node
// pool shape.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that env tags cannot express.
func (c Config) Validate() error {
	if c.NumNodes <= 0 {
		return fmt.Errorf("op=config.Validate: NUM_NODES must be positive, got %d", c.NumNodes)
	}
	if len(c.NodeAddresses) > 0 && len(c.NodeAddresses) != c.NumNodes {
		return fmt.Errorf("op=config.Validate: NODE_ADDRESSES has %d entries, NUM_NODES is %d", len(c.NodeAddresses), c.NumNodes)
	}
	if c.WallClockMultiplier <= 0 {
		return fmt.Errorf("op=config.Validate: WALL_CLOCK_MULTIPLIER must be positive")
	}
	if c.MaxActiveJobsPerPrincipal <= 0 {
		return fmt.Errorf("op=config.Validate: MAX_ACTIVE_JOBS_PER_PRINCIPAL must be positive")
	}
	return nil
}

// WaitMax returns the synchronous submit cap as a duration.
func (c Config) WaitMax() time.Duration { return time.Duration(c.WaitMaxSeconds) * time.Second }

// CredentialMaxValidity returns the credential lifetime cap as a duration.
func (c Config) CredentialMaxValidity() time.Duration {
	return time.Duration(c.CredentialMaxValidityDays) * 24 * time.Hour
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

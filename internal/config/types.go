package config

import "time"

// Config represents the complete warden configuration.
type Config struct {
	Service   ServiceConfig    `yaml:"service"`
	State     StateConfig      `yaml:"state"`
	API       APIConfig        `yaml:"api,omitempty"`
	Registry  RegistryConfig   `yaml:"registry,omitempty"`
	Router    RouterConfig     `yaml:"router,omitempty"`
	Dispatch  DispatchConfig   `yaml:"dispatch,omitempty"`
	Budgets   []BudgetPolicy   `yaml:"budgets,omitempty"`
	Approvals ApprovalsConfig  `yaml:"approvals,omitempty"`
	Rollback  RollbackConfig   `yaml:"rollback,omitempty"`
	Archive   *ArchiveConfig   `yaml:"archive,omitempty"`
	Workers   []WorkerConfig   `yaml:"workers,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with admin/full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// RegistryConfig defines worker liveness settings.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxMissed         int           `yaml:"max_missed"`
	RerouteGrace      time.Duration `yaml:"reroute_grace"`
}

// RouterConfig defines dispatch routing settings.
type RouterConfig struct {
	DefaultWorker string `yaml:"default_worker,omitempty"`
	MinScore      int    `yaml:"min_score"`
}

// DispatchConfig defines step execution settings.
type DispatchConfig struct {
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// BudgetPolicy defines one token bucket policy for an action type.
// Capacity and Refill are in tokens; Refill tokens accrue every Per.
type BudgetPolicy struct {
	Action   string        `yaml:"action"`
	Capacity float64       `yaml:"capacity"`
	Refill   float64       `yaml:"refill"`
	Per      time.Duration `yaml:"per"`
}

// ApprovalsConfig defines the static action risk classification table.
type ApprovalsConfig struct {
	// Default applies to action types missing from Categories.
	// Unknown actions fail closed, so the default default is "critical".
	Default    string            `yaml:"default"`
	Expiry     time.Duration     `yaml:"expiry"`
	Categories map[string]string `yaml:"categories,omitempty"`
}

// RollbackConfig defines compensation behavior.
type RollbackConfig struct {
	// MeterCompensations debits compensation steps against the
	// originating actor's budget when true.
	MeterCompensations bool `yaml:"meter_compensations"`
}

// ArchiveConfig defines the S3-compatible archive target for decided
// approval requests and terminal task ledgers.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// WorkerConfig declares a statically-configured worker for the built-in
// simulated fleet. Real workers register over the API at runtime.
type WorkerConfig struct {
	ID          string   `yaml:"id"`
	Tags        []string `yaml:"tags"`
	Concurrency int      `yaml:"concurrency"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "warden",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/warden.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Registry: RegistryConfig{
			HeartbeatInterval: 30 * time.Second,
			MaxMissed:         3,
			RerouteGrace:      10 * time.Second,
		},
		Router: RouterConfig{
			MinScore: 1,
		},
		Dispatch: DispatchConfig{
			StepTimeout: 120 * time.Second,
		},
		Approvals: ApprovalsConfig{
			Default: "critical",
			Expiry:  30 * time.Minute,
		},
	}
}

// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable the service reads at startup. Values map 1:1 to
// environment variables so deployments stay declarative.
type Config struct {
	Addr        string `env:"CAREBRIDGE_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"CAREBRIDGE_PG_DSN"`

	RedisAddr     string `env:"CAREBRIDGE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"CAREBRIDGE_REDIS_PASSWORD"`
	RedisDB       int    `env:"CAREBRIDGE_REDIS_DB" envDefault:"0"`

	SessionTTL   time.Duration `env:"CAREBRIDGE_SESSION_TTL" envDefault:"8h"`
	ChallengeTTL time.Duration `env:"CAREBRIDGE_CHALLENGE_TTL" envDefault:"5m"`

	ResetTokenSecret string        `env:"CAREBRIDGE_RESET_SECRET"`
	ResetTokenTTL    time.Duration `env:"CAREBRIDGE_RESET_TTL" envDefault:"30m"`

	// Logs issued reset tokens instead of mailing them. Development only;
	// tokens in logs are credentials.
	ResetDebugDelivery bool `env:"CAREBRIDGE_RESET_DEBUG_DELIVERY" envDefault:"false"`

	LockoutThreshold int           `env:"CAREBRIDGE_LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutWindow    time.Duration `env:"CAREBRIDGE_LOCKOUT_WINDOW" envDefault:"15m"`

	// Roles that require manual approval after email verification. Which
	// roles belong here is owned by the deployment, not the code.
	ApprovalRequiredRoles []string `env:"CAREBRIDGE_APPROVAL_ROLES" envSeparator:"," envDefault:"provider,researcher,pharmco,compliance"`

	// Optional path to a JSON capability matrix overriding the built-in one.
	CapabilityMatrixPath string `env:"CAREBRIDGE_CAPABILITY_MATRIX"`

	TOTPIssuer string `env:"CAREBRIDGE_TOTP_ISSUER" envDefault:"CareBridge"`

	// Audit records must be retained for at least this many years. The
	// application never deletes them; retention enforcement is operational.
	AuditRetentionYears int `env:"CAREBRIDGE_AUDIT_RETENTION_YEARS" envDefault:"6"`
	AuditBufferSize     int `env:"CAREBRIDGE_AUDIT_BUFFER" envDefault:"256"`

	ExportBucket  string `env:"CAREBRIDGE_EXPORT_BUCKET"`
	ExportWorkers int    `env:"CAREBRIDGE_EXPORT_WORKERS" envDefault:"2"`

	ConsentRenewalPeriod     time.Duration `env:"CAREBRIDGE_CONSENT_RENEWAL_PERIOD" envDefault:"8760h"`
	VerificationOverdueAfter time.Duration `env:"CAREBRIDGE_VERIFICATION_OVERDUE_AFTER" envDefault:"72h"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if cfg.LockoutThreshold < 1 {
		return Config{}, fmt.Errorf("config: lockout threshold must be at least 1")
	}
	if cfg.AuditRetentionYears < 1 {
		return Config{}, fmt.Errorf("config: audit retention must be at least 1 year")
	}
	return cfg, nil
}

package shared

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Helper functions for environment variable handling
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvUint32OrDefault(key string, defaultValue uint32) uint32 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseUint(value, 10, 32); err == nil {
			return uint32(intValue)
		}
	}
	return defaultValue
}

func GetEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func GetEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// Config holds the runtime configuration for the confidential transaction
// core. All values are environment-driven so the same binary runs inside an
// enclave and as a software stand-in in tests and CI.
type Config struct {
	ServiceName string
	EnclaveMode bool
	Development bool

	// Attestation
	AllowedMeasurements []string      // hex-encoded measurements trusted during the deploy window
	ReportValidity      time.Duration // quotes older than this fail with Expired
	AllowedQuoteStatus  []string      // platform statuses accepted in addition to "OK"

	// Channels and query service
	HandshakeTimeout time.Duration
	QueryTimeout     time.Duration
	SessionTimeout   time.Duration
	ListenAddr       string
	MetricsAddr      string
	VsockPort        uint32
	ParentCID        uint32

	// Group key management
	RotationAckTimeout time.Duration
	RotationRetries    int
	SealedStorePath    string

	// Block filters
	FilterFalsePositiveRate float64

	// Validation
	ValidatorWorkers int
}

// LoadConfig reads configuration from the environment, loading a .env file
// first if one is present (ignored when missing).
func LoadConfig(serviceName string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName: serviceName,
		EnclaveMode: GetEnvOrDefault("ENCLAVE_MODE", "false") == "true",
		Development: GetEnvOrDefault("DEVELOPMENT", "false") == "true",

		ReportValidity:     GetEnvDurationOrDefault("REPORT_VALIDITY", 90*24*time.Hour),
		HandshakeTimeout:   GetEnvDurationOrDefault("HANDSHAKE_TIMEOUT", 30*time.Second),
		QueryTimeout:       GetEnvDurationOrDefault("QUERY_TIMEOUT", 30*time.Second),
		SessionTimeout:     GetEnvDurationOrDefault("SESSION_TIMEOUT", 30*time.Minute),
		ListenAddr:         GetEnvOrDefault("LISTEN_ADDR", ":9650"),
		MetricsAddr:        GetEnvOrDefault("METRICS_ADDR", ":9651"),
		VsockPort:          GetEnvUint32OrDefault("VSOCK_PORT", 9650),
		ParentCID:          GetEnvUint32OrDefault("PARENT_CID", 3),
		RotationAckTimeout: GetEnvDurationOrDefault("ROTATION_ACK_TIMEOUT", 10*time.Second),
		RotationRetries:    GetEnvIntOrDefault("ROTATION_RETRIES", 5),
		SealedStorePath:    GetEnvOrDefault("SEALED_STORE_PATH", "epochs.db"),

		FilterFalsePositiveRate: GetEnvFloatOrDefault("FILTER_FP_RATE", 0.01),
		ValidatorWorkers:        GetEnvIntOrDefault("VALIDATOR_WORKERS", 8),
	}

	if v := os.Getenv("ALLOWED_MEASUREMENTS"); v != "" {
		for _, m := range strings.Split(v, ",") {
			m = strings.TrimSpace(m)
			if m != "" {
				cfg.AllowedMeasurements = append(cfg.AllowedMeasurements, m)
			}
		}
	}
	if v := GetEnvOrDefault("ALLOWED_QUOTE_STATUS", "OK"); v != "" {
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				cfg.AllowedQuoteStatus = append(cfg.AllowedQuoteStatus, s)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface much later as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.FilterFalsePositiveRate <= 0 || c.FilterFalsePositiveRate >= 1 {
		return fmt.Errorf("invalid filter false-positive rate %v: must be in (0, 1)", c.FilterFalsePositiveRate)
	}
	if c.ValidatorWorkers <= 0 {
		return fmt.Errorf("invalid validator worker count %d", c.ValidatorWorkers)
	}
	if c.RotationRetries <= 0 {
		return fmt.Errorf("invalid rotation retry budget %d", c.RotationRetries)
	}
	return nil
}

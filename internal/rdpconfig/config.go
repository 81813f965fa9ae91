// Package rdpconfig loads the process-wide startup booleans the core reads
// during connection negotiation and DVC setup: negotiation enablement,
// encryption mode, smartcard identity strings, monitor count, and the RDP
// TCP port. It is not a persisted config; every value is env-var-with-default,
// read once at process start.
package rdpconfig

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the environment/configuration booleans called out as
// external interfaces: negotiation enablement, encryption mode, smartcard
// identity, monitor count, and the RDP TCP port.
type Config struct {
	RDPVersion        int    `env:"RDP_VERSION" default:"5"`
	Encryption        bool   `env:"RDP_ENCRYPTION" default:"true"`
	EncryptionInitial bool   `env:"RDP_ENCRYPTION_INITIAL" default:"true"`
	UsePasswordAsPIN  bool   `env:"RDP_USE_PASSWORD_AS_PIN" default:"false"`

	SmartcardCSPName       string `env:"RDP_SMARTCARD_CSP_NAME" default:""`
	SmartcardReaderName    string `env:"RDP_SMARTCARD_READER_NAME" default:""`
	SmartcardCardName      string `env:"RDP_SMARTCARD_CARD_NAME" default:""`
	SmartcardContainerName string `env:"RDP_SMARTCARD_CONTAINER_NAME" default:""`

	NumMonitors int `env:"RDP_NUM_MONITORS" default:"1"`
	TCPPortRDP  int `env:"RDP_TCP_PORT" default:"3389"`
}

// LoadOptions holds command-line override values. An empty/zero field
// defers to the environment variable, then to the struct tag default.
type LoadOptions struct {
	TCPPortRDP  int
	NumMonitors int
}

// Load loads configuration from environment variables with defaults.
func Load() (*Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides loads configuration, applying opts ahead of the
// environment for fields that have a non-zero override.
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	cfg := &Config{
		RDPVersion:        getIntWithDefault("RDP_VERSION", 5),
		Encryption:        getBoolWithDefault("RDP_ENCRYPTION", true),
		EncryptionInitial: getBoolWithDefault("RDP_ENCRYPTION_INITIAL", true),
		UsePasswordAsPIN:  getBoolWithDefault("RDP_USE_PASSWORD_AS_PIN", false),

		SmartcardCSPName:       getEnvWithDefault("RDP_SMARTCARD_CSP_NAME", ""),
		SmartcardReaderName:    getEnvWithDefault("RDP_SMARTCARD_READER_NAME", ""),
		SmartcardCardName:      getEnvWithDefault("RDP_SMARTCARD_CARD_NAME", ""),
		SmartcardContainerName: getEnvWithDefault("RDP_SMARTCARD_CONTAINER_NAME", ""),

		NumMonitors: getIntWithDefault("RDP_NUM_MONITORS", 1),
		TCPPortRDP:  getIntWithDefault("RDP_TCP_PORT", 3389),
	}

	if opts.TCPPortRDP != 0 {
		cfg.TCPPortRDP = opts.TCPPortRDP
	}
	if opts.NumMonitors != 0 {
		cfg.NumMonitors = opts.NumMonitors
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// UsesSmartcardSSO reports whether any smartcard identity field is set.
// Nothing in this module passes it to the ISO negotiation layer; its
// counterpart there is iso.Options.SmartcardSSO.
func (c *Config) UsesSmartcardSSO() bool {
	return c.SmartcardCSPName != "" || c.SmartcardReaderName != "" ||
		c.SmartcardCardName != "" || c.SmartcardContainerName != ""
}

// Validate checks that the loaded configuration is self-consistent.
func (c *Config) Validate() error {
	if c.TCPPortRDP < 1 || c.TCPPortRDP > 65535 {
		return fmt.Errorf("invalid RDP TCP port: %d", c.TCPPortRDP)
	}
	if c.NumMonitors < 1 {
		return fmt.Errorf("num monitors must be positive")
	}
	if c.RDPVersion < 1 {
		return fmt.Errorf("invalid RDP version: %d", c.RDPVersion)
	}
	return nil
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

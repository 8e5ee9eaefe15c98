// Package config loads runtime configuration for the rewards service:
// environment variables for deployment wiring and a YAML policy file for
// per-reward-class settlement rules.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the rewards service.
type Config struct {
	Port        string
	DatabaseURL string
	ChainID     uint64

	SigningKey        string
	ContractAddress   string
	TokenAddress      string
	DomainName        string
	DomainVersion     string
	PermitTTL         time.Duration
	ExpirySweepPeriod time.Duration

	ExecutionBaseURL string
	ExecutionAPIKey  string
	ExecutionTimeout time.Duration
	ExecutionRate    float64

	EligibilityBaseURL string
	EligibilityAPIKey  string
	EligibilityTimeout time.Duration
	EligibilityMin     int

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	PolicyPath  string
	LogFilePath string
}

// FromEnv loads configuration from environment variables required by the
// service. The signing key is mandatory: without it the service must not
// start rather than issue unverifiable artifacts.
func FromEnv() (*Config, error) {
	dbURL := os.Getenv("REWARDS_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("REWARDS_DB_URL is required")
	}
	signingKey := strings.TrimSpace(os.Getenv("REWARDS_SIGNING_KEY"))
	if signingKey == "" {
		return nil, fmt.Errorf("REWARDS_SIGNING_KEY is required")
	}
	chainIDRaw := os.Getenv("REWARDS_CHAIN_ID")
	if chainIDRaw == "" {
		return nil, fmt.Errorf("REWARDS_CHAIN_ID is required")
	}
	chainID, err := strconv.ParseUint(chainIDRaw, 10, 64)
	if err != nil || chainID == 0 {
		return nil, fmt.Errorf("invalid REWARDS_CHAIN_ID %q", chainIDRaw)
	}
	contract := strings.TrimSpace(os.Getenv("REWARDS_CONTRACT_ADDRESS"))
	if contract == "" {
		return nil, fmt.Errorf("REWARDS_CONTRACT_ADDRESS is required")
	}
	token := strings.TrimSpace(os.Getenv("REWARDS_TOKEN_ADDRESS"))
	if token == "" {
		return nil, fmt.Errorf("REWARDS_TOKEN_ADDRESS is required")
	}
	jwtSecret := strings.TrimSpace(os.Getenv("REWARDS_JWT_SECRET"))
	if jwtSecret == "" {
		return nil, fmt.Errorf("REWARDS_JWT_SECRET is required")
	}

	permitTTL, err := parseDurationEnv("REWARDS_PERMIT_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	sweep, err := parseDurationEnv("REWARDS_EXPIRY_SWEEP_PERIOD", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	execTimeout, err := parseDurationEnv("REWARDS_EXECUTION_TIMEOUT", 45*time.Second)
	if err != nil {
		return nil, err
	}
	eligTimeout, err := parseDurationEnv("REWARDS_ELIGIBILITY_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	execRate, err := parseFloatEnv("REWARDS_EXECUTION_RATE_PER_SECOND", 2)
	if err != nil {
		return nil, err
	}
	eligMin, err := parseIntEnv("REWARDS_ELIGIBILITY_MIN_SCORE", 0)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:               getEnvDefault("REWARDS_PORT", "8080"),
		DatabaseURL:        dbURL,
		ChainID:            chainID,
		SigningKey:         signingKey,
		ContractAddress:    contract,
		TokenAddress:       token,
		DomainName:         getEnvDefault("REWARDS_DOMAIN_NAME", "MerchRewards"),
		DomainVersion:      getEnvDefault("REWARDS_DOMAIN_VERSION", "1"),
		PermitTTL:          permitTTL,
		ExpirySweepPeriod:  sweep,
		ExecutionBaseURL:   strings.TrimSpace(os.Getenv("REWARDS_EXECUTION_BASE_URL")),
		ExecutionAPIKey:    strings.TrimSpace(os.Getenv("REWARDS_EXECUTION_API_KEY")),
		ExecutionTimeout:   execTimeout,
		ExecutionRate:      execRate,
		EligibilityBaseURL: strings.TrimSpace(os.Getenv("REWARDS_ELIGIBILITY_BASE_URL")),
		EligibilityAPIKey:  strings.TrimSpace(os.Getenv("REWARDS_ELIGIBILITY_API_KEY")),
		EligibilityTimeout: eligTimeout,
		EligibilityMin:     eligMin,
		JWTSecret:          jwtSecret,
		JWTIssuer:          getEnvDefault("REWARDS_JWT_ISSUER", "merchrewards"),
		JWTAudience:        getEnvDefault("REWARDS_JWT_AUDIENCE", "merchrewards-api"),
		PolicyPath:         strings.TrimSpace(os.Getenv("REWARDS_POLICY_PATH")),
		LogFilePath:        strings.TrimSpace(os.Getenv("REWARDS_LOG_FILE")),
	}, nil
}

func getEnvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return d, nil
}

func parseIntEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func parseFloatEnv(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

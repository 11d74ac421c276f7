package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/relaycore/relaycore/audit"
	"github.com/relaycore/relaycore/costaware"
	"github.com/relaycore/relaycore/executor/bedrock"
	"github.com/relaycore/relaycore/fallback"
	"github.com/relaycore/relaycore/monitoring"
	"github.com/relaycore/relaycore/relay"
	"github.com/relaycore/relaycore/routing"
	"github.com/relaycore/relaycore/stability"
	"github.com/relaycore/relaycore/utils/env"
)

// Config represents the full application configuration
type Config struct {
	// Valkey (open-source version of Redis) endpoint used for shared
	// relay state: emergency route disables and cached cost profiles.
	// E.g., localhost:6379. Empty means in-memory state.
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// Port to listen for incoming management requests.
	Port int `yaml:"port"`

	// Maximum size of the in-memory state cache in bytes. Only used
	// when no Valkey endpoint is configured.
	CacheMaxBytes int64 `yaml:"cache_max_bytes"`

	// Direct route backend settings.
	Bedrock *bedrock.Config `yaml:"bedrock,omitempty"`

	// Baseline routing settings.
	Routing *routing.EngineConfig `yaml:"routing,omitempty"`

	// Operation pipeline settings.
	Relay *relay.Config `yaml:"relay,omitempty"`

	// Fallback reliability controller settings.
	Fallback *fallback.Config `yaml:"fallback,omitempty"`

	// Cost-aware routing settings.
	Cost *costaware.Config `yaml:"cost,omitempty"`

	// Stability monitor settings.
	Stability *stability.Config `yaml:"stability,omitempty"`

	// Audit logging settings.
	Audit *audit.Config `yaml:"audit,omitempty"`

	// Metrics export settings.
	Monitoring *monitoring.Config `yaml:"monitoring,omitempty"`
}

// LoadConfig loads the configuration from the specified path
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	// Setting default values
	config := Config{
		Port:          8080,
		CacheMaxBytes: 64 << 20,
		Bedrock:       &bedrock.Config{Region: "us-east-1"},
		Routing:       routing.DefaultEngineConfig(),
		Relay:         relay.DefaultConfig(),
		Fallback:      fallback.DefaultConfig(),
		Cost:          costaware.DefaultConfig(),
		Stability:     stability.DefaultConfig(),
		Audit:         audit.DefaultConfig(),
		Monitoring:    &monitoring.Config{},
	}

	// Checks if config is specified via environment variable.
	configSource := env.String("CONFIG_SOURCE", path)
	configToken := env.String("CONFIG_TOKEN", "")
	configData, err := func(configSource string, configToken string) ([]byte, error) {
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		logger.Infow("Loading local config", "path", configSource)
		return os.ReadFile(configSource)
	}(configSource, configToken)

	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	// Overrides config with the YAML data.
	if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	// Overrides config with environment variables.
	// Therefore, the values from the environment variables precede the values from the YAML file.
	config.ValkeyEndpoint = env.String("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.Port = env.Int("PORT", config.Port)
	if config.Bedrock != nil {
		config.Bedrock.Region = env.String("AWS_REGION", config.Bedrock.Region)
		config.Bedrock.AccessKey = env.String("AWS_ACCESS_KEY_ID", config.Bedrock.AccessKey)
		config.Bedrock.SecretKey = env.String("AWS_SECRET_ACCESS_KEY", config.Bedrock.SecretKey)
		config.Bedrock.SessionToken = env.String("AWS_SESSION_TOKEN", config.Bedrock.SessionToken)
	}
	if config.Cost != nil {
		strategy := env.String("COST_STRATEGY", string(config.Cost.Strategy))
		config.Cost.Strategy = costaware.Strategy(strategy)
	}

	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validate(config *Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("invalid port: %d", config.Port)
	}
	if config.Fallback != nil {
		if config.Fallback.MaxRetries < 0 {
			return fmt.Errorf("max_retries must not be negative")
		}
		if config.Fallback.BackoffMultiplier < 1 {
			return fmt.Errorf("backoff_multiplier must be at least 1")
		}
		if config.Fallback.BaseRetryDelay > config.Fallback.MaxRetryDelay {
			return fmt.Errorf("base_retry_delay must not exceed max_retry_delay")
		}
	}
	if config.Cost != nil {
		switch config.Cost.Strategy {
		case costaware.StrategyAggressive, costaware.StrategyBalanced,
			costaware.StrategyPerformanceAware, costaware.StrategyDynamic:
		default:
			return fmt.Errorf("unknown cost strategy: %q", config.Cost.Strategy)
		}
	}
	return nil
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

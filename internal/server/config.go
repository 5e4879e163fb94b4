package server

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/runagent-dev/runagent-go/internal/logger"
	"github.com/runagent-dev/runagent-go/pkg/constants"
)

// Config holds the serving settings for one local agent server. Values
// resolve explicit flags > RUNAGENT_* environment variables > defaults,
// with an optional runagent.server.yaml alongside the project.
type Config struct {
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	AuthToken           string        `mapstructure:"authToken"`
	DrainTimeoutSeconds int           `mapstructure:"drainTimeoutSeconds"`
	Logging             logger.Config `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", constants.DefaultLocalHost)
	v.SetDefault("port", 0) // 0 asks the OS for a port, written back to the registry
	v.SetDefault("authToken", "")
	v.SetDefault("drainTimeoutSeconds", 15)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// LoadConfig reads server configuration from defaults, an optional config
// file in configPath (or the working directory), and the environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RUNAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("host", constants.EnvAgentHost)
	_ = v.BindEnv("port", constants.EnvAgentPort)
	_ = v.BindEnv("logging.level", constants.EnvLogLevel)

	v.SetConfigName("runagent.server")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading server config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling server config: %w", err)
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port must be between 0 and 65535, got %d", cfg.Port)
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("drainTimeoutSeconds must be positive")
	}

	return &cfg, nil
}

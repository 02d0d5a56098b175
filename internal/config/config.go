// Package config loads the process configuration from the environment,
// with an optional YAML file for local development.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Node       NodeConfig
	Redis      RedisConfig
	Keys       KeysConfig
	Relay      RelayConfig
	ZeroEx     ZeroExConfig
	Router     RouterConfig
	Reservoir  ReservoirConfig
	Matchmaker MatchmakerConfig
	Server     ServerConfig
}

type NodeConfig struct {
	RPCURL  string `mapstructure:"rpc_url"`
	WSURL   string `mapstructure:"ws_url"`
	ChainID int64  `mapstructure:"chain_id"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type KeysConfig struct {
	Solver     string `mapstructure:"solver"`
	Matchmaker string `mapstructure:"matchmaker"`
	// Relay signs the flashbots authentication header; it holds no funds.
	Relay string `mapstructure:"relay"`
}

type RelayConfig struct {
	FlashbotsURL       string `mapstructure:"flashbots_url"`
	BloxrouteEndpoint  string `mapstructure:"bloxroute_endpoint"`
	BloxrouteAuthToken string `mapstructure:"bloxroute_auth_token"`
	// DirectlyWhenPossible sends fills with no pending dependencies
	// through the public mempool instead of a private bundle.
	DirectlyWhenPossible bool `mapstructure:"directly_when_possible"`
}

type ZeroExConfig struct {
	APIURL string `mapstructure:"api_url"`
	APIKey string `mapstructure:"api_key"`
}

// RouterConfig points at a self-hosted smart-order router. When set, it
// replaces the 0x aggregator for ERC-20 quotes.
type RouterConfig struct {
	APIURL string `mapstructure:"api_url"`
}

type ReservoirConfig struct {
	APIURL string `mapstructure:"api_url"`
	APIKey string `mapstructure:"api_key"`
}

type MatchmakerConfig struct {
	// BaseURL is where the solver posts candidate solutions.
	BaseURL string `mapstructure:"base_url"`
	// SolverBaseURL is advertised to the matchmaker for authorization
	// callbacks.
	SolverBaseURL string `mapstructure:"solver_base_url"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"node.rpc_url":                 "NODE_RPC_URL",
		"node.ws_url":                  "NODE_WS_URL",
		"node.chain_id":                "CHAIN_ID",
		"redis.addr":                   "REDIS_ADDR",
		"redis.password":               "REDIS_PASSWORD",
		"keys.solver":                  "SOLVER_SIGNING_KEY",
		"keys.matchmaker":              "MATCHMAKER_SIGNING_KEY",
		"keys.relay":                   "RELAY_SIGNING_KEY",
		"relay.flashbots_url":          "FLASHBOTS_RELAY_URL",
		"relay.bloxroute_endpoint":     "BLOXROUTE_ENDPOINT",
		"relay.bloxroute_auth_token":   "BLOXROUTE_AUTH_TOKEN",
		"relay.directly_when_possible": "RELAY_DIRECTLY_WHEN_POSSIBLE",
		"zeroex.api_url":               "ZEROEX_API_URL",
		"zeroex.api_key":               "ZEROEX_API_KEY",
		"router.api_url":               "ROUTER_API_URL",
		"reservoir.api_url":            "RESERVOIR_API_URL",
		"reservoir.api_key":            "RESERVOIR_API_KEY",
		"matchmaker.base_url":          "MATCHMAKER_BASE_URL",
		"matchmaker.solver_base_url":   "SOLVER_BASE_URL",
		"server.port":                  "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Node.RPCURL, "NODE_RPC_URL"},
		{c.Keys.Solver, "SOLVER_SIGNING_KEY"},
		{c.Keys.Relay, "RELAY_SIGNING_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Node.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	return nil
}

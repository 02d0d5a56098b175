package config

import (
	"strings"
	"testing"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("NODE_RPC_URL", "http://localhost:8545")
	t.Setenv("CHAIN_ID", "1")
	t.Setenv("SOLVER_SIGNING_KEY", "0x01")
	t.Setenv("RELAY_SIGNING_KEY", "0x02")
}

func TestLoad(t *testing.T) {
	setRequired(t)
	t.Setenv("NODE_WS_URL", "ws://localhost:8546")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("BLOXROUTE_AUTH_TOKEN", "token")
	t.Setenv("RELAY_DIRECTLY_WHEN_POSSIBLE", "true")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.RPCURL != "http://localhost:8545" {
		t.Errorf("rpc url = %q", cfg.Node.RPCURL)
	}
	if cfg.Node.WSURL != "ws://localhost:8546" {
		t.Errorf("ws url = %q", cfg.Node.WSURL)
	}
	if cfg.Node.ChainID != 1 {
		t.Errorf("chain id = %d", cfg.Node.ChainID)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Relay.BloxrouteAuthToken != "token" {
		t.Errorf("bloxroute token = %q", cfg.Relay.BloxrouteAuthToken)
	}
	if !cfg.Relay.DirectlyWhenPossible {
		t.Error("expected RELAY_DIRECTLY_WHEN_POSSIBLE to be picked up")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("default redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Relay.DirectlyWhenPossible {
		t.Error("relay flag should default to false")
	}
}

func TestLoadMissingRequired(t *testing.T) {
	cases := []string{"NODE_RPC_URL", "CHAIN_ID", "SOLVER_SIGNING_KEY", "RELAY_SIGNING_KEY"}
	for _, missing := range cases {
		t.Run(missing, func(t *testing.T) {
			setRequired(t)
			t.Setenv(missing, "")
			_, err := Load()
			if err == nil {
				t.Fatalf("expected error with %s unset", missing)
			}
			if !strings.Contains(err.Error(), missing) {
				t.Errorf("error %q does not name %s", err, missing)
			}
		})
	}
}

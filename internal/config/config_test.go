package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func load(t *testing.T, args ...string) *Config {
	t.Helper()
	args = append([]string{"--env-file", ""}, args...)
	c, err := Load("test", args)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestDefaults(t *testing.T) {
	c := load(t)
	if c.Gateway.MaxPayload != 1024 || c.Gateway.ReadTimeout != 10*time.Second {
		t.Errorf("unexpected gateway defaults %+v", c.Gateway)
	}
	if c.Broker.AckMode != "on_delivery" || c.Broker.RetryBackoff != 5*time.Second {
		t.Errorf("unexpected broker defaults %+v", c.Broker)
	}
	if err := c.Validate("log", "gateway", "broker", "store", "api", "sim"); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("GPS_BROKER_URL", "nats://env:4222")
	t.Setenv("GPS_GATEWAY_READ_TIMEOUT", "3s")
	c := load(t, "--broker.url", "nats://flag:4222", "--gateway.max_conns=7")
	if c.Broker.URL != "nats://flag:4222" {
		t.Errorf("flag should win over env, got %s", c.Broker.URL)
	}
	if c.Gateway.ReadTimeout != 3*time.Second {
		t.Errorf("env should override default, got %v", c.Gateway.ReadTimeout)
	}
	if c.Gateway.MaxConns != 7 {
		t.Errorf("expected max_conns 7, got %d", c.Gateway.MaxConns)
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gps.yaml")
	content := "store:\n  driver: sqlite\n  url: /var/lib/gps.db\nbroker:\n  ack_mode: after_commit\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	c := load(t, "--config", path)
	if c.Store.Driver != "sqlite" || c.Store.URL != "/var/lib/gps.db" {
		t.Errorf("unexpected store config %+v", c.Store)
	}
	if c.Broker.AckMode != "after_commit" {
		t.Errorf("unexpected ack mode %s", c.Broker.AckMode)
	}
}

func TestEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("GPS_SIM_CREATE=12\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("GPS_SIM_CREATE") })
	c, err := Load("test", []string{"--env-file", path})
	if err != nil {
		t.Fatal(err)
	}
	if c.Sim.Create != 12 {
		t.Errorf("expected sim.create from env file, got %d", c.Sim.Create)
	}
}

func TestMissingEnvFileIgnored(t *testing.T) {
	_, err := Load("test", []string{"--env-file", filepath.Join(t.TempDir(), "nope.env")})
	if err != nil {
		t.Errorf("missing env file should be ignored: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	c := load(t, "--store.driver", "mysql")
	if err := c.Validate("store"); err == nil {
		t.Error("expected unknown driver to fail validation")
	}
	c = load(t, "--broker.ack_mode", "sometimes")
	if err := c.Validate("broker"); err == nil {
		t.Error("expected unknown ack mode to fail validation")
	}
	c = load(t, "--gateway.tunnel_addr", "relay:5556")
	if err := c.Validate("gateway"); err == nil {
		t.Error("expected tunnel without token to fail validation")
	}
	if err := c.Validate("bogus"); err == nil {
		t.Error("expected unknown section to fail")
	}
}

func TestUnknownFlag(t *testing.T) {
	if _, err := Load("test", []string{"--env-file", "", "--no-such-flag"}); err == nil {
		t.Error("expected unknown flag error")
	}
}

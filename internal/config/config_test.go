package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/trafficweave/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// TestLoad tests the Load function with various scenarios.
func TestLoad(t *testing.T) {
	tests := []struct {
		name       string
		configYAML string
		envVars    map[string]string
		wantErr    bool
		validate   func(*testing.T, *config.Config)
	}{
		{
			name: "valid minimal config",
			configYAML: `
cse:
  url: http://broker:8081
  originator: Cdash1
`,
			validate: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				assert.Equal(t, "http://broker:8081", cfg.CSE.URL)
				assert.Equal(t, "Cdash1", cfg.CSE.Originator)
				assert.Equal(t, "id-in", cfg.CSE.BaseRI)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				require.NoError(t, cfg.Validate())
			},
		},
		{
			name: "complete config",
			configYAML: `
environment: production
server:
  host: 127.0.0.1
  port: 9090
  read_timeout: 60s
  gin_mode: debug
cse:
  url: https://broker.example.com
  originator: Cdash2
  base_ri: cse-mn
  dashboard_id: ops
  peer_originators: [CAdmin, Cdevice]
  poll_delay: 100ms
  auto_connect: true
redis:
  enabled: true
  mode: sentinel
  addresses:
    - sentinel1:26379
  master_name: mymaster
  db: 1
  stream: trafficweave:audit
mqtt:
  enabled: true
  broker: tcp://mqtt:1883
  qos: 2
bridge:
  server:
    port: 5050
    state_file: /var/lib/lights.txt
  forwarding:
    enabled: true
    targets:
      - intersection: main-and-5th
        url: http://bridge1:5000/api
      - intersection: fc42
        url: http://bridge2:5000/api
security:
  enable_cors: true
  allowed_origins: [http://localhost:3000]
  rate_limit:
    enabled: true
    light_change:
      requests_per_second: 2
      burst_size: 4
observability:
  logging:
    level: debug
    format: console
  metrics:
    path: /prometheus
`,
			validate: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				assert.Equal(t, config.EnvProduction, cfg.Environment)
				assert.Equal(t, "127.0.0.1", cfg.Server.Host)
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

				assert.Equal(t, "cse-mn", cfg.CSE.BaseRI)
				assert.Equal(t, "ops", cfg.CSE.DashboardID)
				assert.Equal(t, []string{"CAdmin", "Cdevice"}, cfg.CSE.PeerOriginators)
				assert.Equal(t, 100*time.Millisecond, cfg.CSE.PollDelay)
				assert.True(t, cfg.CSE.AutoConnect)

				assert.Equal(t, "sentinel", cfg.Redis.Mode)
				assert.Equal(t, "trafficweave:audit", cfg.Redis.Stream)
				assert.Equal(t, 2, cfg.MQTT.QoS)

				assert.Equal(t, 5050, cfg.Bridge.Server.Port)
				assert.Equal(t, map[string]string{
					"main-and-5th": "http://bridge1:5000/api",
					"fc42":         "http://bridge2:5000/api",
				}, cfg.Bridge.Forwarding.TargetMap())

				assert.Equal(t, 2, cfg.Security.RateLimit.LightChange.RequestsPerSecond)
				assert.Equal(t, 50, cfg.Security.RateLimit.PerClient.RequestsPerSecond)
				assert.Equal(t, "/prometheus", cfg.Observability.Metrics.Path)
				require.NoError(t, cfg.Validate())
			},
		},
		{
			name: "environment variable override",
			configYAML: `
server:
  port: 8080
`,
			envVars: map[string]string{
				"TRAFFICWEAVE_SERVER_PORT":                "9999",
				"TRAFFICWEAVE_CSE_ORIGINATOR":             "Cenv",
				"TRAFFICWEAVE_CSE_AUTO_CONNECT":           "true",
				"TRAFFICWEAVE_OBSERVABILITY_LOGGING_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				assert.Equal(t, 9999, cfg.Server.Port)
				assert.Equal(t, "Cenv", cfg.CSE.Originator)
				assert.True(t, cfg.CSE.AutoConnect)
				assert.Equal(t, "debug", cfg.Observability.Logging.Level)
			},
		},
		{
			name: "invalid yaml",
			configYAML: `
server:
  port: not_a_number
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.configYAML)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := config.Load(path)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

// TestLoadWithoutConfigFile tests loading with environment variables only.
func TestLoadWithoutConfigFile(t *testing.T) {
	t.Setenv("TRAFFICWEAVE_CSE_URL", "http://acme:8081")

	cfg, err := config.Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "http://acme:8081", cfg.CSE.URL)
	assert.Equal(t, "Cdashboard", cfg.CSE.Originator)
	require.NoError(t, cfg.Validate())
}

func TestSetDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, config.EnvDevelopment, cfg.Environment)
	assert.Equal(t, "release", cfg.Server.GinMode)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "Ntrafficdashboard", cfg.CSE.AppID)
	assert.Equal(t, "NtrafficAPI", cfg.CSE.DeviceAPI)
	assert.Equal(t, "traffic:trfint", cfg.CSE.IntersectionTag)
	assert.Equal(t, 2*time.Minute, cfg.CSE.PollTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.CSE.PollDelay)
	assert.Equal(t, 8, cfg.CSE.Concurrency)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "trafficweave:events", cfg.Redis.Channel)
	assert.Equal(t, "trafficweave", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, 5000, cfg.Bridge.Server.Port)
	assert.Equal(t, "lights.txt", cfg.Bridge.Server.StateFile)
	assert.Equal(t, 3, cfg.Bridge.Forwarding.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 64, cfg.WebSocket.SendBuffer)
	assert.True(t, cfg.Validation.Enabled)
	assert.True(t, cfg.Observability.Metrics.Enabled)
	assert.Equal(t, "trafficweave", cfg.Observability.Metrics.Namespace)
}

// TestValidate tests the Validate function with various configurations.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{name: "defaults are valid", mutate: func(*config.Config) {}},
		{
			name:   "invalid environment",
			mutate: func(c *config.Config) { c.Environment = "qa" },
			errMsg: "invalid environment",
		},
		{
			name:   "invalid port",
			mutate: func(c *config.Config) { c.Server.Port = 70000 },
			errMsg: "invalid server port",
		},
		{
			name:   "invalid gin mode",
			mutate: func(c *config.Config) { c.Server.GinMode = "fast" },
			errMsg: "invalid gin_mode",
		},
		{
			name:   "tls without cert",
			mutate: func(c *config.Config) { c.TLS.Enabled = true },
			errMsg: "tls cert_file is required",
		},
		{
			name:   "cse url without scheme",
			mutate: func(c *config.Config) { c.CSE.URL = "broker:8081" },
			errMsg: "invalid cse url",
		},
		{
			name:   "missing originator",
			mutate: func(c *config.Config) { c.CSE.Originator = "" },
			errMsg: "cse originator cannot be empty",
		},
		{
			name:   "missing base ri",
			mutate: func(c *config.Config) { c.CSE.BaseRI = "" },
			errMsg: "cse base_ri cannot be empty",
		},
		{
			name:   "zero poll timeout",
			mutate: func(c *config.Config) { c.CSE.PollTimeout = 0 },
			errMsg: "invalid cse poll_timeout",
		},
		{
			name:   "zero concurrency",
			mutate: func(c *config.Config) { c.CSE.Concurrency = 0 },
			errMsg: "invalid cse concurrency",
		},
		{
			name: "redis disabled skips redis checks",
			mutate: func(c *config.Config) {
				c.Redis.Mode = "bogus"
			},
		},
		{
			name: "invalid redis mode",
			mutate: func(c *config.Config) {
				c.Redis.Enabled = true
				c.Redis.Mode = "bogus"
			},
			errMsg: "invalid redis mode",
		},
		{
			name: "sentinel without master",
			mutate: func(c *config.Config) {
				c.Redis.Enabled = true
				c.Redis.Mode = "sentinel"
			},
			errMsg: "master_name is required",
		},
		{
			name: "invalid redis db",
			mutate: func(c *config.Config) {
				c.Redis.Enabled = true
				c.Redis.DB = 16
			},
			errMsg: "invalid redis db",
		},
		{
			name: "invalid mqtt qos",
			mutate: func(c *config.Config) {
				c.MQTT.Enabled = true
				c.MQTT.QoS = 3
			},
			errMsg: "invalid mqtt qos",
		},
		{
			name:   "empty bridge state file",
			mutate: func(c *config.Config) { c.Bridge.Server.StateFile = "" },
			errMsg: "bridge state_file cannot be empty",
		},
		{
			name:   "forwarding without targets",
			mutate: func(c *config.Config) { c.Bridge.Forwarding.Enabled = true },
			errMsg: "needs targets or a default_url",
		},
		{
			name: "forwarding with bad target url",
			mutate: func(c *config.Config) {
				c.Bridge.Forwarding.Enabled = true
				c.Bridge.Forwarding.Targets = []config.BridgeTarget{{Intersection: "fc1", URL: "nope"}}
			},
			errMsg: "invalid bridge target url",
		},
		{
			name: "ping not shorter than pong",
			mutate: func(c *config.Config) {
				c.WebSocket.PingInterval = time.Minute
				c.WebSocket.PongTimeout = time.Minute
			},
			errMsg: "must be shorter than pong_timeout",
		},
		{
			name:   "rate limit without redis",
			mutate: func(c *config.Config) { c.Security.RateLimit.Enabled = true },
			errMsg: "rate limiting requires redis",
		},
		{
			name:   "invalid log level",
			mutate: func(c *config.Config) { c.Observability.Logging.Level = "loud" },
			errMsg: "invalid logging level",
		},
		{
			name:   "invalid log format",
			mutate: func(c *config.Config) { c.Observability.Logging.Format = "xml" },
			errMsg: "invalid logging format",
		},
		{
			name:   "empty metrics path",
			mutate: func(c *config.Config) { c.Observability.Metrics.Path = "" },
			errMsg: "metrics path cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load(writeConfig(t, "{}"))
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidateTLSFiles(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "tls.crt")
	key := filepath.Join(dir, "tls.key")
	require.NoError(t, os.WriteFile(cert, []byte("cert"), 0600))
	require.NoError(t, os.WriteFile(key, []byte("key"), 0600))

	cfg, err := config.Load(writeConfig(t, "{}"))
	require.NoError(t, err)
	cfg.TLS = config.TLSConfig{Enabled: true, CertFile: cert, KeyFile: key, MinVersion: "1.3"}
	require.NoError(t, cfg.Validate())

	cfg.TLS.MinVersion = "1.1"
	assert.ErrorContains(t, cfg.Validate(), "invalid tls min_version")

	cfg.TLS.MinVersion = "1.2"
	cfg.TLS.KeyFile = filepath.Join(dir, "missing.key")
	assert.ErrorContains(t, cfg.Validate(), "tls key_file does not exist")
}

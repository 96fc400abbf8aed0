package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// runInitConfig runs InitConfig the way a command would, through a cli app
// so that flag destinations are populated.
func runInitConfig(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cfgPath string
	var initErr error
	app := cli.NewApp()
	app.Name = "test"
	app.Flags = GetFlags(nil)
	app.Action = func(ctx *cli.Context) error {
		cfgPath, initErr = InitConfig(ctx)
		return nil
	}
	require.NoError(t, app.Run(append([]string{app.Name}, args...)))
	return cfgPath, initErr
}

func writeTestConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.conf")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestInitConfigDefaults(t *testing.T) {
	PrepareTestConfig()
	t.Cleanup(PrepareTestConfig)

	path := writeTestConfig(t, "")
	cfgPath, err := runInitConfig(t, "-config-file="+path)
	require.NoError(t, err)
	assert.Equal(t, path, cfgPath)

	want := DefaultConfig{
		Address:    "tcp:127.0.0.1:6640",
		Timeout:    5,
		MaxRetries: 3,
		PoolSize:   10,
	}
	if diff := cmp.Diff(want, Default); diff != "" {
		t.Errorf("unexpected default config (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(SSLConfig{}, SSL); diff != "" {
		t.Errorf("unexpected ssl config (-want +got):\n%s", diff)
	}
}

func TestInitConfigFile(t *testing.T) {
	PrepareTestConfig()
	t.Cleanup(PrepareTestConfig)

	path := writeTestConfig(t, `[default]
address=tcp:10.0.0.1:6641,ssl:10.0.0.2:6642
timeout=30
max-retries=5
inactivity-probe=60
pool-size=50

[ssl]
private-key=/tmp/key.pem
certificate=/tmp/cert.pem
ca-cert=/tmp/ca.pem

[logging]
loglevel=5
logfile-maxsize=25
`)
	_, err := runInitConfig(t, "-config-file="+path)
	require.NoError(t, err)

	want := DefaultConfig{
		Address:         "tcp:10.0.0.1:6641,ssl:10.0.0.2:6642",
		Timeout:         30,
		MaxRetries:      5,
		InactivityProbe: 60,
		PoolSize:        50,
	}
	if diff := cmp.Diff(want, Default); diff != "" {
		t.Errorf("unexpected default config (-want +got):\n%s", diff)
	}

	wantSSL := SSLConfig{
		PrivateKey:  "/tmp/key.pem",
		Certificate: "/tmp/cert.pem",
		CACert:      "/tmp/ca.pem",
	}
	if diff := cmp.Diff(wantSSL, SSL); diff != "" {
		t.Errorf("unexpected ssl config (-want +got):\n%s", diff)
	}

	assert.Equal(t, 5, Logging.Level)
	assert.Equal(t, 25, Logging.LogFileMaxSize)
	// knobs the file does not mention keep their defaults
	assert.Equal(t, 5, Logging.LogFileMaxBackups)

	assert.Equal(t, []string{"tcp:10.0.0.1:6641", "ssl:10.0.0.2:6642"}, Default.Endpoints())
}

func TestInitConfigCLIOverridesFile(t *testing.T) {
	PrepareTestConfig()
	t.Cleanup(PrepareTestConfig)

	path := writeTestConfig(t, `[default]
address=tcp:10.0.0.1:6641
timeout=30
`)
	_, err := runInitConfig(t, "-config-file="+path,
		"-address=unix:/run/ovsdb.sock", "-timeout=99")
	require.NoError(t, err)

	assert.Equal(t, "unix:/run/ovsdb.sock", Default.Address)
	assert.Equal(t, 99, Default.Timeout)
	// file values not overridden on the command line still apply
	assert.Equal(t, 3, Default.MaxRetries)
}

func TestInitConfigMissingFile(t *testing.T) {
	PrepareTestConfig()
	t.Cleanup(PrepareTestConfig)

	_, err := runInitConfig(t, "-config-file="+filepath.Join(t.TempDir(), "no-such.conf"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open config file")
}

func TestInitConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		errMsg string
	}{
		{
			name:   "unsupported scheme",
			data:   "[default]\naddress=http:10.0.0.1:6641\n",
			errMsg: "unsupported scheme",
		},
		{
			name:   "malformed endpoint",
			data:   "[default]\naddress=justahost\n",
			errMsg: "not in scheme:address form",
		},
		{
			name:   "private key without certificate",
			data:   "[ssl]\nprivate-key=/tmp/key.pem\n",
			errMsg: "must be configured together",
		},
		{
			name:   "negative timeout",
			data:   "[default]\ntimeout=-1\n",
			errMsg: "timeout must not be negative",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			PrepareTestConfig()
			t.Cleanup(PrepareTestConfig)

			path := writeTestConfig(t, tt.data)
			_, err := runInitConfig(t, "-config-file="+path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestEndpoints(t *testing.T) {
	cfg := DefaultConfig{Address: "tcp:10.0.0.1:6641, unix:/run/ovsdb.sock ,,"}
	assert.Equal(t, []string{"tcp:10.0.0.1:6641", "unix:/run/ovsdb.sock"}, cfg.Endpoints())
}

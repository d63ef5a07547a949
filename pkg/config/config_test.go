package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelfreak/peerlink/pkg/types"
)

// mockLogger for testing
type mockLogger struct {
	debugMessages []string
	warnMessages  []string
}

func (m *mockLogger) Debug(msg string, fields ...interface{}) {
	m.debugMessages = append(m.debugMessages, msg)
}
func (m *mockLogger) Info(msg string, fields ...interface{}) {}
func (m *mockLogger) Warn(msg string, fields ...interface{}) {
	m.warnMessages = append(m.warnMessages, msg)
}
func (m *mockLogger) Error(msg string, fields ...interface{}) {}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestNewManager(t *testing.T) {
	manager := NewManager(&mockLogger{})
	assert.NotNil(t, manager)
	assert.Nil(t, manager.GetConfig())
}

func TestLoadConfig_NoFile(t *testing.T) {
	manager := NewManager(&mockLogger{})

	cfg, err := manager.LoadConfig("-")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultPeerAddress, cfg.Peer.Address)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Same(t, cfg, manager.GetConfig())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	manager := NewManager(&mockLogger{})

	cfg, err := manager.LoadConfig("/nonexistent/peerlink.yaml")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultPeerAddress, cfg.Peer.Address)
	assert.Empty(t, manager.Path())
}

func TestLoadConfig_FullFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `peer:
  ssid: BioStim-AP
  psk: supersecret
  bssid: AA:BB:CC:DD:EE:FF
  hidden: true
  address: 192.168.4.2:80
  local_addr: 192.168.4.10/24
  hostname: peerlink-host
interface: wlan1
timeouts:
  connect: 10
  verify: 2
log:
  level: debug
server:
  listen: 0.0.0.0:9000
platform:
  version: 5.4.0
`)
	logger := &mockLogger{}
	manager := NewManager(logger)

	cfg, err := manager.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "BioStim-AP", cfg.Peer.SSID)
	assert.Equal(t, "supersecret", cfg.Peer.PSK)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.Peer.BSSID)
	assert.True(t, cfg.Peer.Hidden)
	assert.Equal(t, "192.168.4.2:80", cfg.Peer.Address)
	assert.Equal(t, "192.168.4.10/24", cfg.Peer.LocalAddr)
	assert.Equal(t, "peerlink-host", cfg.Peer.Hostname)
	assert.Equal(t, "wlan1", cfg.Interface)
	assert.Equal(t, 10, cfg.Timeouts.Connect)
	assert.Equal(t, 2, cfg.Timeouts.Verify)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "5.4.0", cfg.Platform.Version)
	assert.Equal(t, path, manager.Path())

	// Plain text PSK triggers a warning
	assert.Contains(t, logger.warnMessages, "WiFi password is stored in plain text")
}

func TestLoadConfig_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `peer:
  ssid: open-ap
`)
	manager := NewManager(&mockLogger{})

	cfg, err := manager.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultPeerAddress, cfg.Peer.Address)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SUDO_USER", "")
	t.Setenv("HOME", home)

	require.NoError(t, os.MkdirAll(filepath.Join(home, ".peerlink"), 0700))
	writeConfig(t, filepath.Join(home, ".peerlink"), "peer:\n  ssid: from-home\n")

	manager := NewManager(&mockLogger{})
	cfg, err := manager.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "from-home", cfg.Peer.SSID)
}

func TestLoadConfig_TildeExpansion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "peer.yaml"), []byte("peer:\n  ssid: tilde\n"), 0600))

	manager := NewManager(&mockLogger{})
	cfg, err := manager.LoadConfig("~/peer.yaml")
	require.NoError(t, err)
	assert.Equal(t, "tilde", cfg.Peer.SSID)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "invalid: yaml: content: [")
	manager := NewManager(&mockLogger{})

	_, err := manager.LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_WithValidationErrors(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `peer:
  sid: typo
  bssid: AA:BB:CC:DD:EE:FF
timeout:
  connect: 5
`)
	manager := NewManager(&mockLogger{})

	_, err := manager.LoadConfig(path)
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2)
	assert.Contains(t, err.Error(), "did you mean 'ssid'?")
	assert.Contains(t, err.Error(), "did you mean 'timeouts'?")
}

func TestLoadConfig_SemanticValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{"bad bssid", "peer:\n  bssid: not-a-mac\n", "peer.bssid"},
		{"short psk", "peer:\n  psk: short\n", "peer.psk"},
		{"bad local addr", "peer:\n  local_addr: 192.168.4.10\n", "peer.local_addr"},
		{"bad interface", "interface: 0wlan\n", "interface"},
		{"bad peer address", "peer:\n  address: 192.168.4.2/path\n", "peer.address"},
		{"bad hostname", "peer:\n  hostname: -peer\n", "peer.hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.content)
			manager := NewManager(&mockLogger{})
			_, err := manager.LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestValidateRawConfig(t *testing.T) {
	errs := validateRawConfig(map[string]interface{}{
		"peer": map[string]interface{}{
			"ssid":    "x",
			"adress":  "192.168.4.2",
			"unknown": true,
		},
		"log": map[string]interface{}{"levle": "debug"},
	})

	require.Len(t, errs, 3)
	found := map[string]string{}
	for _, e := range errs {
		found[e.Section+"."+e.Field] = e.Suggestion
	}
	assert.Equal(t, "address", found["peer.adress"])
	assert.Equal(t, "", found["peer.unknown"])
	assert.Equal(t, "level", found["log.levle"])
}

func TestValidationErrorMessages(t *testing.T) {
	withSuggestion := ValidationError{Section: "peer", Field: "sid", Suggestion: "ssid"}
	assert.Equal(t, "unknown field 'sid' in peer (did you mean 'ssid'?)", withSuggestion.Error())

	without := ValidationError{Section: "peer", Field: "zzz"}
	assert.Equal(t, "unknown field 'zzz' in peer", without.Error())

	all := ValidationErrors{withSuggestion, without}
	assert.Contains(t, all.Error(), "config validation errors:")
}

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"ssid", "", 4},
		{"", "psk", 3},
		{"ssid", "ssid", 0},
		{"sid", "ssid", 1},
		{"SSID", "ssid", 0},
		{"kitten", "sitting", 3},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, levenshteinDistance(tt.a, tt.b))
		})
	}
}

func TestHomeDir_SudoUser(t *testing.T) {
	t.Setenv("SUDO_USER", "alice")
	home, err := homeDir()
	require.NoError(t, err)
	assert.Equal(t, "/home/alice", home)

	t.Setenv("SUDO_USER", "root")
	home, err = homeDir()
	require.NoError(t, err)
	assert.Equal(t, "/root", home)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/angelfreak/peerlink/pkg/types"
)

// Known valid field names for each config section type
var (
	validTopLevelFields = map[string]bool{
		"peer":      true,
		"interface": true,
		"timeouts":  true,
		"log":       true,
		"server":    true,
		"platform":  true,
	}

	validSectionFields = map[string]map[string]bool{
		"peer": {
			"ssid":       true,
			"psk":        true,
			"bssid":      true,
			"hidden":     true,
			"address":    true,
			"local_addr": true,
			"hostname":   true,
		},
		"timeouts": {
			"connect":     true,
			"verify":      true,
			"association": true,
			"dhcp":        true,
			"command":     true,
		},
		"log": {
			"level":        true,
			"file":         true,
			"max_size_mb":  true,
			"max_backups":  true,
			"max_age_days": true,
		},
		"server": {
			"listen": true,
		},
		"platform": {
			"version": true,
		},
	}
)

// DefaultListen is the command channel address used when none is configured
const DefaultListen = "127.0.0.1:8765"

// ValidationError represents a config validation error with suggestions
type ValidationError struct {
	Section    string
	Field      string
	Suggestion string
}

func (e ValidationError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown field '%s' in %s (did you mean '%s'?)", e.Field, e.Section, e.Suggestion)
	}
	return fmt.Sprintf("unknown field '%s' in %s", e.Field, e.Section)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "config validation errors:\n  - " + strings.Join(msgs, "\n  - ")
}

// levenshteinDistance calculates the edit distance between two strings
func levenshteinDistance(a, b string) int {
	a = strings.ToLower(a)
	b = strings.ToLower(b)

	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// findSimilarField finds the most similar valid field name
func findSimilarField(field string, validFields map[string]bool) string {
	bestMatch := ""
	bestDistance := 3 // Max distance to consider as a typo

	for valid := range validFields {
		dist := levenshteinDistance(field, valid)
		if dist < bestDistance {
			bestDistance = dist
			bestMatch = valid
		} else if dist == bestDistance && bestMatch != "" {
			// Ties go to the shorter name, then alphabetical order
			if len(valid) < len(bestMatch) || (len(valid) == len(bestMatch) && valid < bestMatch) {
				bestMatch = valid
			}
		}
	}
	return bestMatch
}

// validateFields checks for unknown fields in a map against valid fields
func validateFields(section string, data map[string]interface{}, validFields map[string]bool) []ValidationError {
	var errs []ValidationError

	for field := range data {
		if !validFields[field] {
			errs = append(errs, ValidationError{
				Section:    section,
				Field:      field,
				Suggestion: findSimilarField(field, validFields),
			})
		}
	}
	return errs
}

// ValidateConfigFile validates a config file for unknown/misspelled fields
func ValidateConfigFile(path string) ValidationErrors {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil // File read errors handled elsewhere
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil // Parse errors handled elsewhere
	}

	return validateRawConfig(raw)
}

// validateRawConfig validates a raw config map for unknown fields
func validateRawConfig(raw map[string]interface{}) ValidationErrors {
	errs := ValidationErrors(validateFields("config", raw, validTopLevelFields))

	for key, value := range raw {
		fields, ok := validSectionFields[key]
		if !ok {
			continue
		}
		if sectionMap, ok := value.(map[string]interface{}); ok {
			errs = append(errs, validateFields(key, sectionMap, fields)...)
		}
	}

	return errs
}

// Manager implements the ConfigManager interface
type Manager struct {
	config     *types.Config
	logger     types.Logger
	configPath string
}

// NewManager creates a new config manager
func NewManager(logger types.Logger) *Manager {
	return &Manager{
		logger: logger,
	}
}

// LoadConfig loads configuration from the specified path.
// "-" means no config file; "" means ~/.peerlink/config.yaml.
func (m *Manager) LoadConfig(path string) (*types.Config, error) {
	m.logger.Debug("LoadConfig called", "path", path)

	if path == "-" {
		m.logger.Debug("Using no config file (path='-')")
		m.config = defaultConfig()
		return m.config, nil
	}

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get home directory")
		}
		path = filepath.Join(home, path[1:])
	}

	if path == "" {
		home, err := homeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".peerlink", "config.yaml")
		m.logger.Debug("Using default config path", "path", path)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		m.logger.Debug("Config file does not exist, returning defaults", "path", path)
		m.config = defaultConfig()
		return m.config, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	// Validate config for unknown/misspelled fields
	if validationErrors := ValidateConfigFile(path); len(validationErrors) > 0 {
		return nil, validationErrors
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	m.configPath = path
	m.config = &cfg
	m.logger.Debug("Config file loaded", "path", path, "ssid", cfg.Peer.SSID)

	m.WarnAboutPlainTextCredentials()
	return m.config, nil
}

// GetConfig returns the loaded configuration
func (m *Manager) GetConfig() *types.Config {
	return m.config
}

// Path returns the file the configuration was read from, if any
func (m *Manager) Path() string {
	return m.configPath
}

// Validate checks semantic constraints of a decoded configuration
func Validate(cfg *types.Config) error {
	if cfg.Peer.SSID != "" {
		if err := types.ValidateSSID(cfg.Peer.SSID); err != nil {
			return errors.Wrap(err, "peer.ssid")
		}
		if err := types.ValidateSSIDBytes(cfg.Peer.SSID); err != nil {
			return errors.Wrap(err, "peer.ssid")
		}
	}
	if err := types.ValidateBSSID(cfg.Peer.BSSID); err != nil {
		return errors.Wrap(err, "peer.bssid")
	}
	if err := types.ValidatePSK(cfg.Peer.PSK); err != nil {
		return errors.Wrap(err, "peer.psk")
	}
	if cfg.Peer.Address != "" {
		if err := types.ValidatePeerAddress(cfg.Peer.Address); err != nil {
			return errors.Wrap(err, "peer.address")
		}
	}
	if err := types.ValidateLocalAddr(cfg.Peer.LocalAddr); err != nil {
		return errors.Wrap(err, "peer.local_addr")
	}
	if err := types.ValidateHostname(cfg.Peer.Hostname); err != nil {
		return errors.Wrap(err, "peer.hostname")
	}
	if cfg.Interface != "" {
		if err := types.ValidateInterfaceName(cfg.Interface); err != nil {
			return errors.Wrap(err, "interface")
		}
	}
	return nil
}

// WarnAboutPlainTextCredentials logs a warning when the WiFi passphrase is
// stored in the config file.
func (m *Manager) WarnAboutPlainTextCredentials() {
	if m.config == nil || m.config.Peer.PSK == "" {
		return
	}
	m.logger.Warn("WiFi password is stored in plain text",
		"path", m.configPath,
		"suggestion", "Consider using file permissions (chmod 600) to protect your config file")
}

func defaultConfig() *types.Config {
	return &types.Config{
		Peer:   types.PeerConfig{Address: types.DefaultPeerAddress},
		Server: types.ServerConfig{Listen: DefaultListen},
		Log:    types.LogConfig{Level: "info"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("peer.address", types.DefaultPeerAddress)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("log.level", "info")
}

// homeDir resolves the invoking user's home, preferring SUDO_USER over HOME
// because sudo sets HOME=/root.
func homeDir() (string, error) {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if sudoUser == "root" {
			return "/root", nil
		}
		return filepath.Join("/home", sudoUser), nil
	}
	if envHome := os.Getenv("HOME"); envHome != "" {
		return envHome, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return home, nil
}

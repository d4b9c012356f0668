package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

type Config struct {
	Whitelist WhitelistSettings `json:"whitelist"`
	Blacklist BlacklistSettings `json:"blacklist"`
	Service   ServiceSettings   `json:"service"`
}

type WhitelistSettings struct {
	Enabled   bool     `json:"enabled"`
	Addresses []string `json:"addresses"`
}

type BlacklistSettings struct {
	MonitoringEnabled      bool   `json:"monitoring_enabled"`
	MonitorIntervalMinutes uint32 `json:"monitor_interval_minutes"`
	// ScanHours is the audit lookback of each scan.
	ScanHours           uint32 `json:"scan_hours"`
	SmartSubnetBlocking bool   `json:"smart_subnet_blocking"`
}

// Port sources.
const (
	PortSourceRegistry = "registry"
	PortSourceConfig   = "config"
)

type ServiceSettings struct {
	Port       int    `json:"port"`
	PortSource string `json:"port_source"`
	// RuleGroup is the built-in firewall group of the service; localised
	// on non-English hosts.
	RuleGroup string `json:"rule_group"`
}

const (
	DefaultServicePort = 3389
	DefaultScanHours   = 24
	defaultRuleGroup   = "Remote Desktop"
)

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue      atomic.Value
	settingsPath     atomic.Value
	configMu         sync.Mutex
	configListeners  []chan Config
	InProductionMode bool
)

func init() {
	configValue.Store(normalize(Config{}))
	settingsPath.Store(filepath.Join("data", "settings.json"))
}

// SetSettingsPath points ReadSettings and persistence at path.
func SetSettingsPath(path string) {
	if path != "" {
		settingsPath.Store(path)
	}
}

func SettingsPath() string {
	return settingsPath.Load().(string)
}

// Defaults returns the embedded default configuration.
func Defaults() Config {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		log.Error("Embedded default settings are invalid", "error", err)
	}
	return normalize(cfg)
}

// ReadSettings loads the settings file, creating it from the defaults when
// it does not exist yet.
func ReadSettings() error {
	path := SettingsPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("config: read settings: %w", err)
		}
		log.Warn("Settings file not found, creating with default configuration", "path", path)

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("config: create settings directory: %w", err)
		}
		if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
			return fmt.Errorf("config: write default settings: %w", err)
		}
		data = defaultConfig
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		return fmt.Errorf("config: parse settings: %w", err)
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		return err
	}

	log.Debug("Settings file loaded successfully", "path", path)
	return nil
}

// SetConfig replaces the whole configuration, persisting and broadcasting it.
func SetConfig(newConfig Config) error {
	return applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

// UpdateConfig applies updater to a copy of the current configuration.
func UpdateConfig(source string, updater func(cfg *Config)) error {
	if updater == nil {
		return errors.New("config: updater cannot be nil")
	}

	configMu.Lock()
	defer configMu.Unlock()

	cfg := cloneConfig(GetConfig())
	updater(&cfg)
	return applyConfigUpdateLocked(cfg, configUpdateOptions{persistToFile: true, broadcast: true, source: source})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()
	return applyConfigUpdateLocked(newConfig, opts)
}

func applyConfigUpdateLocked(newConfig Config, opts configUpdateOptions) error {
	newConfig = normalize(newConfig)
	configValue.Store(newConfig)
	publishSchedule(newConfig)
	publishConfig(newConfig)

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			log.Error("Error marshalling new configuration", "error", err)
			errs = append(errs, err)
		} else if err := writeSettingsFile(data); err != nil {
			log.Error("Error writing new configuration to file", "error", err)
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			log.Error("Error serializing configuration for broadcast", "error", err)
			errs = append(errs, err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			log.Error("Error broadcasting configuration update", "error", err)
			errs = append(errs, err)
		}
	}

	if opts.source != "" {
		log.Debug("Configuration applied", "source", opts.source)
	} else {
		log.Debug("Configuration applied")
	}

	return errors.Join(errs...)
}

// writeSettingsFile replaces the settings file through a rename so the
// watcher never observes a partial write.
func writeSettingsFile(data []byte) error {
	path := SettingsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Updates delivers the current configuration immediately and the latest one
// after every applied change.
func Updates() <-chan Config {
	ch := make(chan Config, 1)
	listenersMu.Lock()
	defer listenersMu.Unlock()
	replaceLatest(ch, GetConfig())
	configListeners = append(configListeners, ch)
	return ch
}

func publishConfig(cfg Config) {
	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range configListeners {
		replaceLatest(ch, cloneConfig(cfg))
	}
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}

func normalize(cfg Config) Config {
	if cfg.Blacklist.MonitorIntervalMinutes < 1 {
		cfg.Blacklist.MonitorIntervalMinutes = uint32(defaultMonitorInterval.Minutes())
	}
	if cfg.Blacklist.ScanHours == 0 {
		cfg.Blacklist.ScanHours = DefaultScanHours
	}
	if cfg.Service.Port <= 0 || cfg.Service.Port > 65535 {
		cfg.Service.Port = DefaultServicePort
	}
	if cfg.Service.PortSource != PortSourceConfig {
		cfg.Service.PortSource = PortSourceRegistry
	}
	if cfg.Service.RuleGroup == "" {
		cfg.Service.RuleGroup = defaultRuleGroup
	}
	if cfg.Whitelist.Addresses == nil {
		cfg.Whitelist.Addresses = []string{}
	}
	return cfg
}

func cloneConfig(cfg Config) Config {
	cfg.Whitelist.Addresses = append([]string{}, cfg.Whitelist.Addresses...)
	return cfg
}

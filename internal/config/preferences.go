package config

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"rdpguard/internal/support"
)

// Preferences exposes the settings the engines read and write.
type Preferences struct {
	registryPort func() (int, error)
}

func NewPreferences() *Preferences {
	return &Preferences{registryPort: support.RegistryPort}
}

func (p *Preferences) SmartSubnetBlocking() bool {
	return GetConfig().Blacklist.SmartSubnetBlocking
}

func (p *Preferences) WhitelistEnabled() bool {
	return GetConfig().Whitelist.Enabled
}

func (p *Preferences) SetWhitelistEnabled(enabled bool) error {
	return UpdateConfig("whitelist", func(cfg *Config) {
		cfg.Whitelist.Enabled = enabled
	})
}

func (p *Preferences) AllowedAddresses() []string {
	return append([]string(nil), GetConfig().Whitelist.Addresses...)
}

func (p *Preferences) SetAllowedAddresses(addresses []string) error {
	return UpdateConfig("whitelist", func(cfg *Config) {
		cfg.Whitelist.Addresses = append([]string{}, addresses...)
	})
}

func (p *Preferences) MonitoringEnabled() bool {
	return GetConfig().Blacklist.MonitoringEnabled
}

func (p *Preferences) SetMonitoringEnabled(enabled bool) error {
	return UpdateConfig("monitor", func(cfg *Config) {
		cfg.Blacklist.MonitoringEnabled = enabled
	})
}

func (p *Preferences) MonitorInterval() time.Duration {
	return CalculateMonitorInterval(GetConfig().Blacklist)
}

func (p *Preferences) ScanLookback() time.Duration {
	return ScanLookback()
}

// Port resolves the guarded service port. With the registry source the
// host's configured listener port wins; the settings value is the fallback.
func (p *Preferences) Port(context.Context) (int, error) {
	svc := GetConfig().Service
	if svc.PortSource != PortSourceRegistry || p.registryPort == nil {
		return svc.Port, nil
	}

	port, err := p.registryPort()
	if err != nil {
		if !errors.Is(err, support.ErrRegistryUnsupported) {
			log.Warn("Could not read service port from registry, using configured port", "port", svc.Port, "error", err)
		}
		return svc.Port, nil
	}
	if port <= 0 || port > 65535 {
		return svc.Port, nil
	}
	return port, nil
}

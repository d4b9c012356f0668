package dto

import "time"

type DashboardInfo struct {
	Managed          bool `json:"managed"`
	WhitelistEnabled bool `json:"whitelist_enabled"`
	AllowedCount     int  `json:"allowed_count"`
	BlockedCount     int  `json:"blocked_count"`
	Port             int  `json:"port"`

	MonitoringEnabled      bool       `json:"monitoring_enabled"`
	MonitorIntervalMinutes int        `json:"monitor_interval_minutes"`
	Scanning               bool       `json:"scanning"`
	LastScan               *time.Time `json:"last_scan,omitempty"`
	DroppedTicks           uint64     `json:"dropped_ticks"`
}

type AddressList struct {
	Addresses []string `json:"addresses"`
	Count     int      `json:"count"`
}

type ChangeResult struct {
	Address string `json:"address"`
	Changed bool   `json:"changed"`
}

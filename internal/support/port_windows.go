//go:build windows

package support

import (
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const (
	rdpKeyPath       = `SYSTEM\CurrentControlSet\Control\Terminal Server\WinStations\RDP-Tcp`
	rdpPortValueName = "PortNumber"
)

// RegistryPort reads the listening port of the remote desktop service.
func RegistryPort() (int, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, rdpKeyPath, registry.QUERY_VALUE)
	if err != nil {
		return 0, fmt.Errorf("open rdp registry key: %w", err)
	}
	defer key.Close()

	value, _, err := key.GetIntegerValue(rdpPortValueName)
	if err != nil {
		return 0, fmt.Errorf("read rdp port: %w", err)
	}
	if value == 0 || value > 65535 {
		return 0, fmt.Errorf("rdp port out of range: %d", value)
	}
	return int(value), nil
}

//go:build !windows

package support

func RegistryPort() (int, error) {
	return 0, ErrRegistryUnsupported
}

package support

import "errors"

// ErrRegistryUnsupported is returned on hosts without a Windows registry.
var ErrRegistryUnsupported = errors.New("support: registry port lookup requires windows")

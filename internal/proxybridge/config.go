// SPDX-License-Identifier: MIT

package proxybridge

// ModuleName is the settings module key. The historical name "haproxy" is
// kept so migrated settings files keep working.
const ModuleName = "haproxy"

// Config is the typed view of the haproxy settings module. Since the v2
// migration it carries a single switch.
type Config struct {
	ProxyProtocolV2 bool `json:"proxyProtocolV2"`
}

// DefaultConfig disables proxy-protocol enforcement.
func DefaultConfig() Config {
	return Config{}
}

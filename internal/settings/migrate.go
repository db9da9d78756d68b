// SPDX-License-Identifier: MIT

package settings

// A migration rewrites the module map from one schema version to the next.
type migration func(modules map[string]any) map[string]any

// migrations is keyed by the version a migration upgrades FROM.
var migrations = map[int]migration{
	0: migrateV0toV1,
	1: migrateV1toV2,
}

// migrateV0toV1 wraps the legacy bare module map. The decode path already
// produces the wrapped shape, so nothing to rewrite beyond the version bump.
func migrateV0toV1(modules map[string]any) map[string]any {
	return modules
}

// migrateV1toV2 compacts the haproxy module to its single surviving switch.
func migrateV1toV2(modules map[string]any) map[string]any {
	old, ok := modules["haproxy"].(map[string]any)
	if !ok {
		return modules
	}
	enabled := false
	for _, key := range []string{"proxyProtocolV2", "enabled", "proxyProtocol"} {
		if v, ok := old[key].(bool); ok && v {
			enabled = true
			break
		}
	}
	modules["haproxy"] = map[string]any{"proxyProtocolV2": enabled}
	return modules
}

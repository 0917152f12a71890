// Package defaults embeds the example configuration written by
// `chargelight init`.
package defaults

import _ "embed"

// ConfigYAML is a commented config.yaml listing every setting with its
// default value.
//
//go:embed config.example.yaml
var ConfigYAML []byte

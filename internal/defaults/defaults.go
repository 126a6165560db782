// Package defaults provides the embedded example configuration for the
// heatsync init subcommand.
package defaults

import _ "embed"

//go:generate cp ../../examples/config.example.yaml .

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

package config

import _ "embed"

// defaultYAML is used when no file is given and underlies every loaded
// file, so a file only needs the keys it changes.
//
//go:embed default.yaml
var defaultYAML []byte

// Package schemasassets embeds the JSON schemas shipped with the binary.
package schemasassets

import _ "embed"

// MigrationManifestSchema validates migration manifests.
//
//go:embed migration-manifest.schema.json
var MigrationManifestSchema []byte

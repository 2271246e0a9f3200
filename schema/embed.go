package schema

import _ "embed"

// ConfigV1Schema contains the JSON schema for procreap configuration files.
//
//go:embed procreap.v1.json
var ConfigV1Schema []byte

// Package spec embeds the OpenAPI description of the tracegate HTTP API.
package spec

import _ "embed"

//go:embed openapi.yaml
var OpenAPI []byte

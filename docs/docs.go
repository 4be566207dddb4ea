// Package docs embeds the OpenAPI description of the HTTP API.
package docs

import _ "embed"

// OpenAPI is the YAML source served under /docs and used for request validation
//
//go:embed openapi.yaml
var OpenAPI []byte

package server

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v2"

	"github.com/tributary-ai/model-orchestrator/docs"
)

var (
	specJSONOnce sync.Once
	specJSON     []byte
	specJSONErr  error
)

// setupSwaggerRoutes sets up the API documentation routes
func (s *Server) setupSwaggerRoutes(r *mux.Router) {
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPIYAML).Methods(http.MethodGet)
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPIJSON).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleSwaggerUI).Methods(http.MethodGet)
	r.HandleFunc("/docs/", s.handleSwaggerUI).Methods(http.MethodGet)
}

func (s *Server) handleOpenAPIYAML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(docs.OpenAPI)
}

func (s *Server) handleOpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	data, err := openAPIJSON()
	if err != nil {
		s.logger.WithError(err).Error("Failed to convert OpenAPI document")
		http.Error(w, "Error converting OpenAPI spec", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// openAPIJSON converts the embedded YAML document once
func openAPIJSON() ([]byte, error) {
	specJSONOnce.Do(func() {
		var spec interface{}
		if specJSONErr = yaml.Unmarshal(docs.OpenAPI, &spec); specJSONErr != nil {
			return
		}
		specJSON, specJSONErr = json.MarshalIndent(jsonCompatible(spec), "", "  ")
	})
	return specJSON, specJSONErr
}

// jsonCompatible rewrites yaml.v2's map[interface{}]interface{} nodes into
// string-keyed maps encoding/json accepts
func jsonCompatible(v interface{}) interface{} {
	switch node := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(node))
		for k, val := range node {
			out[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return out
	case []interface{}:
		for i, val := range node {
			node[i] = jsonCompatible(val)
		}
		return node
	default:
		return v
	}
}

var swaggerPage = template.Must(template.New("swagger").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Model Orchestrator - API Documentation</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: {{.SpecURL}},
                dom_id: '#swagger-ui',
                deepLinking: true,
                docExpansion: "list",
                validatorUrl: null
            });
        };
    </script>
</body>
</html>`))

// handleSwaggerUI serves the Swagger UI page pointing at the embedded document
func (s *Server) handleSwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	specURL := getBaseURL(r) + "/docs/openapi.yaml"
	if err := swaggerPage.Execute(w, struct{ SpecURL string }{SpecURL: specURL}); err != nil {
		s.logger.WithError(err).Error("Failed to render API documentation")
	}
}

// getBaseURL extracts the base URL from the request
func getBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwardedProto := r.Header.Get("X-Forwarded-Proto"); forwardedProto != "" {
		scheme = forwardedProto
	}

	host := r.Host
	if forwardedHost := r.Header.Get("X-Forwarded-Host"); forwardedHost != "" {
		host = forwardedHost
	}

	return fmt.Sprintf("%s://%s", scheme, host)
}

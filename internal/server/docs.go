package server

import (
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-gonic/gin"
)

// Swagger UI assets are pinned with SRI hashes.
const (
	swaggerUICSSURL    = "https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui.css"
	swaggerUIBundleURL = "https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui-bundle.js"

	swaggerUICSSSRI    = "sha384-+yyzNgM3K92sROwsXxYCxaiLWxWJ0G+v/9A+qIZ2rgefKgkdcmJI+L601cqPD/Ut"
	swaggerUIBundleSRI = "sha384-qn5tagrAjZi8cSmvZ+k3zk4+eDEEUcP9myuR2J6V+/H6rne++v6ChO7EeHAEzqxQ"

	swaggerUICSP = "default-src 'self'; " +
		"script-src 'self' 'unsafe-inline' https://unpkg.com; " +
		"style-src 'self' 'unsafe-inline' https://unpkg.com; " +
		"img-src 'self' data: https:; " +
		"connect-src 'self'"
)

const swaggerUIPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>trafficweave dashboard API</title>
    <link rel="stylesheet" href="` + swaggerUICSSURL + `" integrity="` + swaggerUICSSSRI + `" crossorigin="anonymous">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="` + swaggerUIBundleURL + `" integrity="` + swaggerUIBundleSRI + `" crossorigin="anonymous"></script>
    <script>
        window.onload = function() {
            window.ui = SwaggerUIBundle({
                url: "/docs/openapi.json",
                dom_id: '#swagger-ui',
                deepLinking: true,
                validatorUrl: null,
                supportedSubmitMethods: ['get', 'post', 'put', 'delete']
            });
        };
    </script>
</body>
</html>`

// setupDocsRoutes serves the OpenAPI document and Swagger UI.
func (s *Server) setupDocsRoutes() {
	docs := s.router.Group("/docs")
	{
		docs.GET("/openapi.yaml", s.handleOpenAPIYAML)
		docs.GET("/openapi.json", s.handleOpenAPIJSON)
		docs.GET("", func(c *gin.Context) {
			c.Redirect(http.StatusMovedPermanently, "/docs/")
		})
		docs.GET("/", s.handleSwaggerUI)
	}

	s.router.GET("/openapi.yaml", s.handleOpenAPIYAML)
	s.router.GET("/openapi.json", s.handleOpenAPIJSON)
}

func (s *Server) handleOpenAPIYAML(c *gin.Context) {
	if len(s.openAPISpec) == 0 {
		abortWithError(c, http.StatusNotFound, "NotFound", "OpenAPI specification not loaded")
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, "application/x-yaml", s.openAPISpec)
}

// handleOpenAPIJSON converts the document to JSON. The validator's parsed
// copy is reused when available.
func (s *Server) handleOpenAPIJSON(c *gin.Context) {
	var spec *openapi3.T
	if s.openAPIValidator != nil {
		spec = s.openAPIValidator.Spec()
	}
	if spec == nil {
		loaded, err := openapi3.NewLoader().LoadFromData(s.openAPISpec)
		if err != nil {
			abortWithError(c, http.StatusNotFound, "NotFound", "OpenAPI specification not loaded")
			return
		}
		spec = loaded
	}

	body, err := spec.MarshalJSON()
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "InternalError", "failed to encode OpenAPI specification")
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, "application/json", body)
}

func (s *Server) handleSwaggerUI(c *gin.Context) {
	c.Header("Content-Security-Policy", swaggerUICSP)
	c.Header("X-Frame-Options", "DENY")
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(swaggerUIPage))
}

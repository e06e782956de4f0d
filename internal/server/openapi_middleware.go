package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"
	"github.com/gin-gonic/gin"
)

// openAPIValidator validates incoming API requests against docs/api/openapi.yaml.
type openAPIValidator struct {
	router routers.Router
}

func newOpenAPIValidator(path string) (*openAPIValidator, error) {
	b, err := loadOpenAPISpec(path)
	if err != nil {
		return nil, err
	}
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(b)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}
	r, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, err
	}
	return &openAPIValidator{router: r}, nil
}

// Middleware validates requests under /api/ against the document. The event
// stream and the document itself are served without validation.
func (v *openAPIValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if !strings.HasPrefix(path, "/api/") || path == "/api/v1/events" || path == "/api/v1/openapi.yaml" {
			c.Next()
			return
		}
		route, pathParams, err := v.router.FindRoute(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, GinAppResponse{Error: &APIError{
				Error:   http.StatusText(http.StatusBadRequest),
				Code:    http.StatusBadRequest,
				Message: "request not in API spec: " + err.Error(),
			}})
			return
		}
		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: func(ctx context.Context, ai *openapi3filter.AuthenticationInput) error {
					return nil
				},
			},
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, GinAppResponse{Error: &APIError{
				Error:   http.StatusText(http.StatusBadRequest),
				Code:    http.StatusBadRequest,
				Message: "request failed validation: " + err.Error(),
			}})
			return
		}
		c.Next()
	}
}

// loadOpenAPISpec reads the API document from path, or from docs/api relative
// to the working directory (the repo root, or a package dir in tests).
func loadOpenAPISpec(path string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	for _, candidate := range []string{
		filepath.Join("docs", "api", "openapi.yaml"),
		filepath.Join("..", "..", "docs", "api", "openapi.yaml"),
	} {
		if b, err := os.ReadFile(candidate); err == nil {
			return b, nil
		}
	}
	return nil, os.ErrNotExist
}

//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// MountSwagger serves the OpenAPI UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
}

type apiDoc struct{}

func (apiDoc) ReadDoc() string { return docJSON }

func init() { swag.Register(swag.Name, apiDoc{}) }

// docJSON is the hand-maintained spec served at /swagger/doc.json. Run
// `swag init -g cmd/foundrygate/docs.go` to regenerate from annotations.
const docJSON = `{
  "swagger": "2.0",
  "info": {
    "title": "foundrygate API",
    "description": "HTTP/SSE gateway in front of a CLI-controlled local inference engine.",
    "version": "0.1.0"
  },
  "basePath": "/",
  "paths": {
    "/models": {"get": {"summary": "List locally cached models", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/server-models": {"get": {"summary": "List the downloadable catalog", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/load": {"get": {"summary": "Make a model resident (SSE)", "produces": ["text/event-stream"], "parameters": [{"name": "modelId", "in": "query", "type": "string", "required": true}, {"name": "alias", "in": "query", "type": "string"}], "responses": {"200": {"description": "event stream"}}}},
    "/download": {"get": {"summary": "Download models sequentially (SSE)", "produces": ["text/event-stream"], "parameters": [{"name": "aliases", "in": "query", "type": "string", "required": true}], "responses": {"200": {"description": "event stream"}}}},
    "/chat": {"get": {"summary": "Stream a chat completion (SSE)", "produces": ["text/event-stream"], "parameters": [{"name": "message", "in": "query", "type": "string", "required": true}, {"name": "model", "in": "query", "type": "string", "required": true}, {"name": "session", "in": "query", "type": "string"}], "responses": {"200": {"description": "event stream"}}}},
    "/chat/history": {"get": {"summary": "Read a session transcript", "produces": ["application/json"], "parameters": [{"name": "session", "in": "query", "type": "string"}], "responses": {"200": {"description": "OK"}}}},
    "/chat/session": {"post": {"summary": "Allocate an isolated chat session", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/cache-remove": {"post": {"summary": "Remove a cached model artifact", "consumes": ["application/json"], "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/status": {"get": {"summary": "Gateway status", "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}}
  }
}`

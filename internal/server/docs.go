package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"path"
	"reflect"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

var errorEnvelopeType = reflect.TypeOf(errorEnvelope{})

var docsPage = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Caseline API</title>
<script type="module" src="https://unpkg.com/@stoplight/elements/web-components.min.js"></script>
<link rel="stylesheet" href="https://unpkg.com/@stoplight/elements/styles.min.css">
</head>
<body style="height:100vh">
<elements-api apiDescriptionUrl="{{.SpecURL}}" router="hash" layout="sidebar"></elements-api>
</body>
</html>
`))

// mountDocs serves the OpenAPI document and a browsable page next to the
// API. The document is decorated once, on first request, after every
// operation has been registered.
func mountDocs(r chi.Router, api huma.API, base string) {
	specURL := path.Join(base, "openapi.json")
	var (
		once sync.Once
		doc  []byte
		err  error
	)
	r.Get(specURL, func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			describeSecurity(oas, path.Join(base, "health"))
			doc, err = json.Marshal(oas)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	})
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = docsPage.Execute(w, struct{ SpecURL string }{specURL})
	})
}

func eachOperation(oas *huma.OpenAPI, fn func(route string, op *huma.Operation)) {
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post, item.Put, item.Patch, item.Delete} {
			if op != nil {
				fn(route, op)
			}
		}
	}
}

// describeSecurity declares both credential schemes, marks every operation
// except the health probe as protected and points error responses at the
// envelope schema.
func describeSecurity(oas *huma.OpenAPI, healthRoute string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	schemes := oas.Components.SecuritySchemes
	if schemes == nil {
		schemes = map[string]*huma.SecurityScheme{}
		oas.Components.SecuritySchemes = schemes
	}
	schemes["jwt"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	schemes["apiKey"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	protected := []map[string][]string{{"jwt": {}}, {"apiKey": {}}}
	oas.Security = protected

	var envelope *huma.Schema
	if oas.Components.Schemas != nil {
		envelope = oas.Components.Schemas.Schema(errorEnvelopeType, true, "ErrorEnvelope")
	}
	eachOperation(oas, func(route string, op *huma.Operation) {
		if route == healthRoute {
			op.Security = []map[string][]string{}
		} else {
			op.Security = protected
		}
		if envelope == nil {
			return
		}
		if op.Responses == nil {
			op.Responses = map[string]*huma.Response{}
		}
		op.Responses["default"] = &huma.Response{
			Description: "Error envelope",
			Content:     map[string]*huma.MediaType{"application/json": {Schema: envelope}},
		}
	})
}

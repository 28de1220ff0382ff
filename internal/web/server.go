// Package web serves the embedded grow-room dashboard.
package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var staticFiles embed.FS

// Handler returns an http.Handler serving the dashboard UI.
func Handler() http.Handler {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}

	fileServer := http.FileServer(http.FS(subFS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" || r.URL.Path == "" {
			r.URL.Path = "/index.html"
		}
		fileServer.ServeHTTP(w, r)
	})
}

// RegisterRoutes mounts the dashboard at the mux root. API routes use
// method-qualified patterns, so the bare "/" pattern only catches what
// they don't.
func RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/", Handler())
}

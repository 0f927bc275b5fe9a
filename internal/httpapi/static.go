package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed static/*
var embeddedStatic embed.FS

func newStaticHandler() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		return http.NotFoundHandler()
	}
	return http.FileServer(http.FS(sub))
}

// newFilesHandler serves uploaded attachments by their stored name. Stored
// names are flat, so anything with a path separator or an empty name is
// refused, which also keeps the directory from being listed.
func newFilesHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path
		if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
			respondError(w, http.StatusNotFound, "not_found", "no such file")
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Content-Disposition", "attachment")
		files.ServeHTTP(w, r)
	})
}

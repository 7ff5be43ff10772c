package dashboard

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
)

// ErrNoIndex is returned when the build directory has no index.html.
var ErrNoIndex = errors.New("dashboard: index.html not found")

// Handler returns an http.Handler that serves the dashboard build in dir.
//
// Unknown paths fall back to index.html so client-side routing works.
// Assets are read from disk on every request, so a rebuilt dashboard is
// picked up without restarting the controller.
func Handler(dir string) (http.Handler, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dashboard: %s is not a directory", dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "index.html")); err != nil {
		return nil, fmt.Errorf("%w in %s", ErrNoIndex, dir)
	}

	fileSystem := http.Dir(dir)
	fileServer := http.FileServer(fileSystem)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Bundlers hash chunk names, so only index.html needs revalidation.
		w.Header().Set("Cache-Control", "no-cache, must-revalidate")

		upath := path.Clean(r.URL.Path)
		if upath == "." || upath == "/" {
			fileServer.ServeHTTP(w, r)
			return
		}

		f, err := fileSystem.Open(upath)
		if err != nil {
			// SPA fallback: serve index.html with 200.
			r.URL.Path = "/"
			fileServer.ServeHTTP(w, r)
			return
		}
		f.Close()

		fileServer.ServeHTTP(w, r)
	}), nil
}

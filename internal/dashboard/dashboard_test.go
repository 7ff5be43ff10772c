package dashboard

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func buildDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	index := `<!DOCTYPE html><html><body>greenhouse dashboard</body></html>`
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte(index), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "assets"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "assets", "app.js"), []byte("console.log('gh')"), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func serve(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestHandlerServesRoot(t *testing.T) {
	h, err := Handler(buildDir(t))
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}

	w := serve(t, h, "/")
	if w.Code != http.StatusOK {
		t.Errorf("GET /: got status %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "greenhouse dashboard") {
		t.Errorf("GET /: body = %q", w.Body.String())
	}
	if got := w.Header().Get("Cache-Control"); got != "no-cache, must-revalidate" {
		t.Errorf("Cache-Control = %q", got)
	}
}

func TestHandlerServesStaticAsset(t *testing.T) {
	h, _ := Handler(buildDir(t))

	w := serve(t, h, "/assets/app.js")
	if w.Code != http.StatusOK {
		t.Errorf("GET /assets/app.js: got status %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "console.log") {
		t.Errorf("GET /assets/app.js: body = %q", w.Body.String())
	}
}

func TestHandlerSPAFallback(t *testing.T) {
	h, _ := Handler(buildDir(t))

	for _, target := range []string{"/relays", "/rules/deep/route"} {
		w := serve(t, h, target)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s: got status %d, want 200 (SPA fallback)", target, w.Code)
		}
		if !strings.Contains(w.Body.String(), "greenhouse dashboard") {
			t.Errorf("GET %s: SPA fallback didn't serve index.html", target)
		}
	}
}

func TestHandlerRejectsMissingBuild(t *testing.T) {
	if _, err := Handler("/nonexistent/dir/that/does/not/exist"); err == nil {
		t.Error("Handler() should fail for a missing directory")
	}

	if _, err := Handler(t.TempDir()); !errors.Is(err, ErrNoIndex) {
		t.Errorf("Handler() error = %v, want ErrNoIndex", err)
	}

	file := filepath.Join(t.TempDir(), "index.html")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Handler(file); err == nil {
		t.Error("Handler() should fail when given a file")
	}
}

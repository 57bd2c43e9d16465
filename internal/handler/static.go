package handler

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"sockbridge/pkg/logger"
)

// static responses are immutable app assets; an hour of caching is safe
const staticCacheMaxAge = 3600

// staticContentTypes maps the servable extensions. A path with any other
// extension is never short-circuited and goes to a worker instead.
var staticContentTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".css":   "text/css",
	".js":    "application/javascript",
	".mjs":   "application/javascript",
	".json":  "application/json",
	".xml":   "application/xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".pdf":   "application/pdf",
	".txt":   "text/plain; charset=utf-8",
	".map":   "application/json",
}

// StaticHandler short-circuits requests for files in the public directory so
// they never consume a worker connection
type StaticHandler struct {
	logger   *logger.Logger
	rootPath string
}

// NewStaticHandler creates a static file handler rooted at rootPath
func NewStaticHandler(rootPath string, log *logger.Logger) *StaticHandler {
	return &StaticHandler{
		logger:   log.WithField("component", "static"),
		rootPath: rootPath,
	}
}

// CanServe reports whether the request maps to an existing file with a
// servable extension. Only GET and HEAD requests qualify.
func (sh *StaticHandler) CanServe(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if strings.Contains(r.URL.Path, "..") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(r.URL.Path))
	if _, ok := staticContentTypes[ext]; !ok {
		return false
	}

	stat, err := os.Stat(sh.resolve(r.URL.Path))
	return err == nil && stat.Mode().IsRegular()
}

// ServeHTTP serves the resolved file with content-type and cache headers
func (sh *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "..") {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	path := sh.resolve(r.URL.Path)
	file, err := os.Open(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil || !stat.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	ext := strings.ToLower(filepath.Ext(path))
	contentType, ok := staticContentTypes[ext]
	if !ok {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", staticCacheMaxAge))
	w.Header().Set("ETag", fmt.Sprintf(`"%x-%x"`, stat.ModTime().Unix(), stat.Size()))

	// ServeContent handles conditional requests, ranges, and HEAD
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), file)
}

func (sh *StaticHandler) resolve(urlPath string) string {
	return filepath.Join(sh.rootPath, filepath.Clean("/"+urlPath))
}

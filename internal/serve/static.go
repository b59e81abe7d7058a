// Package serve hosts the admin panel's static build next to the stats API
// and provides the response compression both share.
package serve

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const indexPage = "index.html"

// Static serves a single-page application from a directory. Paths without
// an extension that match no file fall back to index.html so client-side
// routes such as /admin/media resolve.
type Static struct {
	root string // resolved, no symlinks
}

func NewStatic(dir string) (*Static, error) {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving static dir: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("static dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static dir %s is not a directory", dir)
	}
	return &Static{root: root}, nil
}

// isUnderRoot reports whether resolved is equal to root or a child of it.
func isUnderRoot(resolved, root string) bool {
	return resolved == root || strings.HasPrefix(resolved, root+string(os.PathSeparator))
}

func (s *Static) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rel := path.Clean("/" + r.URL.Path)
	if rel == "/" {
		rel = "/" + indexPage
	}
	if name, ok := s.lookup(rel); ok {
		s.serveFile(w, r, name)
		return
	}
	if path.Ext(rel) != "" {
		http.NotFound(w, r)
		return
	}
	name, ok := s.lookup("/" + indexPage)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.serveFile(w, r, name)
}

// lookup resolves rel to a regular file inside the root. Directories map to
// their index file.
func (s *Static) lookup(rel string) (string, bool) {
	resolved, err := filepath.EvalSymlinks(filepath.Join(s.root, filepath.FromSlash(rel)))
	if err != nil || !isUnderRoot(resolved, s.root) {
		return "", false
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", false
	}
	if !info.IsDir() {
		return resolved, true
	}
	index := filepath.Join(resolved, indexPage)
	if info, err := os.Stat(index); err == nil && !info.IsDir() {
		return index, true
	}
	return "", false
}

// serveFile prefers a precompressed sibling (.br, then .gz) before falling
// back to on-the-fly compression.
func (s *Static) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	rel, _ := filepath.Rel(s.root, name)
	w.Header().Set("Cache-Control", defaultCacheControl(filepath.ToSlash(rel)))
	if ct := mime.TypeByExtension(filepath.Ext(name)); isCompressible(ct) {
		addVary(w.Header())
	}

	if acceptsEncoding(r, "br") && s.servePrecompressed(w, r, name, ".br", "br") {
		return
	}
	if acceptsEncoding(r, "gzip") && s.servePrecompressed(w, r, name, ".gz", "gzip") {
		return
	}
	if encoding := negotiate(r); encoding != "" {
		cw := &compressWriter{ResponseWriter: w, encoding: encoding}
		defer cw.Close() //nolint:errcheck // best-effort flush on response end
		serveFileContent(cw, r, name)
		return
	}
	serveFileContent(w, r, name)
}

// serveFileContent uses http.ServeContent rather than http.ServeFile so
// index.html is never redirected to its directory.
func serveFileContent(w http.ResponseWriter, r *http.Request, name string) {
	f, err := os.Open(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, filepath.Base(name), stat.ModTime(), f)
}

func (s *Static) servePrecompressed(w http.ResponseWriter, r *http.Request, orig, ext, encoding string) bool {
	resolved, err := filepath.EvalSymlinks(orig + ext)
	if err != nil || !isUnderRoot(resolved, s.root) {
		return false
	}
	f, err := os.Open(resolved)
	if err != nil {
		return false
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	if ct := mime.TypeByExtension(filepath.Ext(orig)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Encoding", encoding)
	addVary(w.Header())
	http.ServeContent(w, r, "", stat.ModTime(), f)
	return true
}

// defaultCacheControl revalidates HTML, caches hashed build assets
// immutably and everything else for an hour.
func defaultCacheControl(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".htm":
		return "public, no-cache"
	}
	if hasContentHash(name) {
		return "public, max-age=31536000, immutable"
	}
	return "public, max-age=3600"
}

// hasContentHash reports whether a segment after the first one in the base
// name is 8+ mixed letters and digits, as in "index-BdH3bPq2.js" or
// "main.a1b2c3d4.css".
func hasContentHash(name string) bool {
	base := path.Base(name)
	ext := path.Ext(base)
	if ext == "" {
		return false
	}
	segs := strings.FieldsFunc(strings.TrimSuffix(base, ext), func(r rune) bool {
		return r == '.' || r == '-'
	})
	for _, seg := range segs[min(1, len(segs)):] {
		if len(seg) >= 8 && isMixedAlphanumeric(seg) {
			return true
		}
	}
	return false
}

func isMixedAlphanumeric(s string) bool {
	var letter, digit bool
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			letter = true
		case c >= '0' && c <= '9':
			digit = true
		default:
			return false
		}
	}
	return letter && digit
}

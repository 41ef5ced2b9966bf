package manifest

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// JoinURL resolves ref against base. An absolute ref replaces base, a relative
// one is resolved against it, and an empty ref returns base unchanged.
func JoinURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	if ref == "" {
		return b.String(), nil
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// IsRemote reports whether src is an http(s) URL.
func IsRemote(src string) bool {
	u, err := url.Parse(src)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// FileURI returns the absolute file:// URI of a local path.
func FileURI(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String(), nil
}

// LocalPath returns the filesystem path for a plain path or a file:// URI.
func LocalPath(src string) string {
	if u, err := url.Parse(src); err == nil && u.Scheme == "file" {
		p := u.Path
		// file:///C:/dir on Windows
		if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
			p = p[1:]
		}
		return filepath.FromSlash(p)
	}
	return src
}

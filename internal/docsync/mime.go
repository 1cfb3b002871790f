package docsync

import (
	"mime"
	"path/filepath"
	"strings"
)

const defaultContentType = "application/octet-stream"

// GuessContentType derives a content type hint from a file name.
func GuessContentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".txt"), strings.HasSuffix(name, ".md"):
		return "text/plain"
	case strings.HasSuffix(name, ".html"):
		return "text/html"
	case strings.HasSuffix(name, ".js"), strings.HasSuffix(name, ".ts"):
		return "text/javascript"
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".py"):
		return "text/x-python"
	case strings.HasSuffix(name, ".kt"), strings.HasSuffix(name, ".java"):
		return "text/plain"
	case strings.HasSuffix(name, ".xml"):
		return "text/xml"
	case strings.HasSuffix(name, ".css"):
		return "text/css"
	case strings.HasSuffix(name, ".sh"):
		return "text/x-shellscript"
	}
	m := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if m == "" {
		return defaultContentType
	}
	if idx := strings.Index(m, ";"); idx >= 0 {
		m = strings.TrimSpace(m[:idx])
	}
	return m
}

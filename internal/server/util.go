package server

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
)

// maxNameLen bounds instrument names accepted from query parameters.
const maxNameLen = 64

// sanitizeBase normalizes a mount point to "" or "/x[/y]" without a
// trailing slash.
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// validName accepts instrument names as configured: an ASCII letter or
// digit followed by letters, digits, '.', '_' or '-', and never "..".
func validName(s string) bool {
	if s == "" || len(s) > maxNameLen || strings.Contains(s, "..") {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case i > 0 && (r == '.' || r == '_' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// writeJSON writes v uncached; status values change every tick.
func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Header("Cache-Control", "no-store")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

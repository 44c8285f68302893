package watch

import (
	"path"
	"strings"
)

// matchIgnore reports whether a slash-relative path matches any ignore
// pattern. Three pattern forms are supported: "*.ext" matches by file
// suffix at any depth, "dir/*" matches everything under a prefix, and
// anything else is an exact path match.
func matchIgnore(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		switch {
		case strings.HasPrefix(pattern, "*."):
			if ok, err := path.Match(pattern, path.Base(rel)); err == nil && ok {
				return true
			}
		case strings.HasSuffix(pattern, "/*"):
			prefix := strings.TrimSuffix(pattern, "*")
			if strings.HasPrefix(rel, prefix) {
				return true
			}
		default:
			if rel == pattern {
				return true
			}
		}
	}
	return false
}

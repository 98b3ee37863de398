package util

import (
	"path"
	"strings"
)

// BuildObjectKey constructs the object key of a published dump file:
// <prefix>/<dump name>/<file>.
func BuildObjectKey(prefix, dumpName, file string) string {
	return path.Join(BuildPrefix(prefix, dumpName), path.Base(file))
}

// BuildPrefix builds the prefix for listing published files, optionally
// narrowed to one dump.
func BuildPrefix(prefix, dumpName string) string {
	parts := []string{}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	if dumpName != "" {
		parts = append(parts, dumpName)
	}
	return path.Join(parts...)
}

package util

import (
	"os"
	"strings"
)

// MergeEnv returns the process environment with extra applied on top. An
// extra KEY=value entry replaces any inherited KEY.
func MergeEnv(extra []string) []string {
	override := make(map[string]bool, len(extra))
	for _, kv := range extra {
		k, _, _ := strings.Cut(kv, "=")
		override[k] = true
	}
	env := make([]string, 0, len(os.Environ())+len(extra))
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if !override[k] {
			env = append(env, kv)
		}
	}
	return append(env, extra...)
}

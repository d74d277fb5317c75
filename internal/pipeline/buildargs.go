package pipeline

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var argKeyPattern = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SanitizeKey strips every character that is not alphanumeric or underscore.
func SanitizeKey(key string) string {
	return argKeyPattern.ReplaceAllString(key, "")
}

// MergeBuildArgs combines operator defaults with request arguments, the
// latter taking precedence. Keys are sanitized; values are kept verbatim.
func MergeBuildArgs(defaults, supplied map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(supplied))
	for _, src := range []map[string]string{defaults, supplied} {
		for k, v := range src {
			if key := SanitizeKey(k); key != "" {
				out[key] = v
			}
		}
	}
	return out
}

func sortedKeys(args map[string]string) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RewriteDockerfile declares each key with ARG after every FROM line so
// the arguments are visible in every stage.
func RewriteDockerfile(content string, keys []string) string {
	if len(keys) == 0 {
		return content
	}

	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines)+len(keys))
	for _, line := range lines {
		out = append(out, line)
		trimmed := strings.TrimSpace(line)
		if len(trimmed) > 5 && strings.EqualFold(trimmed[:5], "FROM ") {
			for _, k := range keys {
				out = append(out, "ARG "+k)
			}
		}
	}
	return strings.Join(out, "\n")
}

func rewriteDockerfileAt(path string, args map[string]string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read Dockerfile: %w", err)
	}
	rewritten := RewriteDockerfile(string(content), sortedKeys(args))
	if err := os.WriteFile(path, []byte(rewritten), 0644); err != nil {
		return fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	return nil
}

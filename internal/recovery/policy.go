package recovery

import (
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentforge/cyclemgr/internal/store"
)

// DefaultAutoAllowPatterns are globs that policy-violation recovery may add
// to a task's allowed paths without human review. Anything outside these
// stays blocked on the escalation path.
func DefaultAutoAllowPatterns() []string {
	return []string{
		"docs/**",
		"**/*.md",
		"test/**",
		"tests/**",
		"**/*.test.*",
		"**/*.spec.*",
		".gitignore",
	}
}

// commandHints maps a tool mentioned in the task's commands to manifest files
// that tool legitimately touches.
var commandHints = []struct {
	tool  string
	files []string
}{
	{"pnpm", []string{"package.json", "pnpm-lock.yaml"}},
	{"npm", []string{"package.json", "package-lock.json"}},
	{"yarn", []string{"package.json", "yarn.lock"}},
	{"make", []string{"Makefile"}},
	{"cargo", []string{"Cargo.toml", "Cargo.lock"}},
	{"go", []string{"go.mod", "go.sum"}},
}

var violationPathRe = regexp.MustCompile(`(?i)(?:path|file)\s+['"]?([\w./@-]+)['"]?\s+(?:is\s+)?(?:outside|not\s+(?:in|within))`)

// violatingPaths extracts the paths a policy violation complained about.
// The structured errorMeta list wins; the message is a fallback.
func violatingPaths(meta *store.ErrorMeta, message string) []string {
	if meta != nil && len(meta.PolicyViolations) > 0 {
		return meta.PolicyViolations
	}
	var paths []string
	for _, m := range violationPathRe.FindAllStringSubmatch(message, -1) {
		paths = append(paths, m[1])
	}
	return paths
}

// augmentAllowedPaths computes the task's allowed paths extended with every
// violating path the auto-allow policy covers. Returns the merged list and
// the number of paths added.
func augmentAllowedPaths(t *store.Task, meta *store.ErrorMeta, message string, autoAllow []string) ([]string, int) {
	violations := violatingPaths(meta, message)
	if len(violations) == 0 {
		return t.AllowedPaths, 0
	}

	hintFiles := map[string]bool{}
	for _, h := range commandHints {
		for _, cmd := range t.Commands {
			fields := strings.Fields(cmd)
			if len(fields) > 0 && fields[0] == h.tool {
				for _, f := range h.files {
					hintFiles[f] = true
				}
			}
		}
	}

	existing := map[string]bool{}
	for _, p := range t.AllowedPaths {
		existing[p] = true
	}

	merged := append([]string(nil), t.AllowedPaths...)
	added := 0
	for _, v := range violations {
		v = strings.TrimSpace(strings.TrimPrefix(v, "./"))
		if v == "" || existing[v] {
			continue
		}
		if !autoAllowed(v, autoAllow, hintFiles) {
			continue
		}
		merged = append(merged, v)
		existing[v] = true
		added++
	}
	return merged, added
}

func autoAllowed(p string, patterns []string, hintFiles map[string]bool) bool {
	if hintFiles[p] || hintFiles[path.Base(p)] {
		return true
	}
	for _, pattern := range patterns {
		if matchGlob(pattern, p) {
			return true
		}
	}
	return false
}

// matchGlob matches a slash-separated glob against a path. "**" spans any
// number of segments, including none.
func matchGlob(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

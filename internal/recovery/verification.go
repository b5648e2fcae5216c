package recovery

import (
	"regexp"
	"strings"

	"github.com/agentforge/cyclemgr/internal/failure"
	"github.com/agentforge/cyclemgr/internal/store"
)

// commandAdjustment is the outcome of a verification-recovery strategy: a new
// command list and the name of the rule that produced it.
type commandAdjustment struct {
	Commands []string
	Rule     string
}

var (
	missingScriptRe = regexp.MustCompile(`(?i)missing script:?\s*"?([\w:.-]+)`)
	makeTargetRe    = regexp.MustCompile("(?i)no rule to make target [`'\"]?([^`'\"\\s]+)")
	artifactCheckRe = regexp.MustCompile(`(?i)verification failed at (test -[fs] \S+)`)
	cleanLikeRe     = regexp.MustCompile(`(?i)(^|\s)(dist)?clean(:[\w-]+)?(\s|$)`)
)

// adjustCommands applies the verification-recovery strategy for the given
// failure reason to the task's command list. Returns nil when no strategy
// applies or nothing would change.
func adjustCommands(reason string, commands []string, meta *store.ErrorMeta, message string) *commandAdjustment {
	switch reason {
	case failure.ReasonMissingScript, failure.ReasonMissingMakeTarget, failure.ReasonUnsupportedFormat:
		return dropFailedCommand(reason, commands, meta, message)
	case failure.ReasonSequenceIssue:
		return swapCleanBeforeCheck(commands, meta, message)
	}
	return nil
}

// dropFailedCommand removes the command that failed; when it cannot be
// identified the whole list is cleared so the runner falls back to
// auto-verification.
func dropFailedCommand(reason string, commands []string, meta *store.ErrorMeta, message string) *commandAdjustment {
	if len(commands) == 0 {
		return nil
	}

	idx := indexOfFailedCommand(commands, meta, message)
	if idx < 0 {
		return &commandAdjustment{Commands: []string{}, Rule: "clear_commands_fallback_auto_verify"}
	}

	remaining := make([]string, 0, len(commands)-1)
	remaining = append(remaining, commands[:idx]...)
	remaining = append(remaining, commands[idx+1:]...)
	return &commandAdjustment{Commands: remaining, Rule: "drop_failed_command"}
}

// indexOfFailedCommand locates the failed command via the structured
// failedCommand field first, then via the script or make-target name parsed
// from the error message.
func indexOfFailedCommand(commands []string, meta *store.ErrorMeta, message string) int {
	if meta != nil && meta.FailedCommand != "" {
		for i, c := range commands {
			if strings.TrimSpace(c) == strings.TrimSpace(meta.FailedCommand) {
				return i
			}
		}
	}

	var token string
	if m := missingScriptRe.FindStringSubmatch(message); m != nil {
		token = m[1]
	} else if m := makeTargetRe.FindStringSubmatch(message); m != nil {
		token = m[1]
	}
	if token == "" {
		return -1
	}
	for i, c := range commands {
		for _, field := range strings.Fields(c) {
			if field == token {
				return i
			}
		}
	}
	return -1
}

// swapCleanBeforeCheck fixes the "clean ran after the artifact was built"
// ordering mistake: when the command right before a failed `test -f|-s <path>`
// artifact check is clean-like and the path looks generated, the two commands
// are swapped so the check runs before the clean.
func swapCleanBeforeCheck(commands []string, meta *store.ErrorMeta, message string) *commandAdjustment {
	if len(commands) < 2 {
		return nil
	}

	check := ""
	if meta != nil && meta.FailedCommand != "" {
		check = strings.TrimSpace(meta.FailedCommand)
	} else if m := artifactCheckRe.FindStringSubmatch(message); m != nil {
		check = m[1]
	}
	if check == "" {
		return nil
	}

	idx := -1
	for i, c := range commands {
		if strings.TrimSpace(c) == check {
			idx = i
			break
		}
	}
	if idx < 1 {
		return nil
	}

	prev := commands[idx-1]
	if !cleanLikeRe.MatchString(prev) {
		return nil
	}

	fields := strings.Fields(check)
	path := fields[len(fields)-1]
	if !looksGeneratedPath(path) {
		return nil
	}

	swapped := append([]string(nil), commands...)
	swapped[idx-1], swapped[idx] = swapped[idx], swapped[idx-1]
	return &commandAdjustment{Commands: swapped, Rule: "swap_check_before_clean"}
}

var generatedSegments = map[string]bool{
	"build": true, "dist": true, "out": true, "target": true,
	"bin": true, "obj": true, "_build": true, "release": true,
}

// looksGeneratedPath reports whether a path points into a build-output tree:
// no wildcards and at least one generated-artifact segment.
func looksGeneratedPath(path string) bool {
	if strings.ContainsAny(path, "*?[") {
		return false
	}
	for _, seg := range strings.Split(path, "/") {
		if generatedSegments[strings.ToLower(seg)] {
			return true
		}
	}
	return false
}

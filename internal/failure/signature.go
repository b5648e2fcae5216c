package failure

import (
	"context"
	"regexp"
	"strings"

	"github.com/agentforge/cyclemgr/internal/store"
)

// DefaultSignatureThreshold is the number of consecutive identical failures
// that counts as a repeated failure.
const DefaultSignatureThreshold = 4

const maxSignatureLen = 400

var (
	uuidRe = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	pathRe = regexp.MustCompile(`(?:/[\w@.+-]+){3,}/?`)
	numRe  = regexp.MustCompile(`\d+`)
	wsRe   = regexp.MustCompile(`\s+`)
)

// NormalizeSignature collapses the volatile parts of an error message so two
// occurrences of the same failure fingerprint identically: ANSI codes are
// stripped, UUIDs become <uuid>, long absolute paths become <path>, numbers
// become <n>, whitespace is collapsed and the result is truncated. The
// function is idempotent.
func NormalizeSignature(message string) string {
	s := stripANSI(message)
	s = uuidRe.ReplaceAllString(s, "<uuid>")
	s = pathRe.ReplaceAllString(s, "<path>")
	s = numRe.ReplaceAllString(s, "<n>")
	s = wsRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > maxSignatureLen {
		s = s[:maxSignatureLen]
	}
	return s
}

// Signature builds the full failure signature of a run: the normalized
// message, prefixed with the structured failure code when one is present.
func Signature(message, failureCode string) string {
	sig := NormalizeSignature(message)
	if failureCode != "" {
		sig = "code:" + failureCode + "|" + sig
	}
	return sig
}

func runSignature(r *store.Run) string {
	code := ""
	if r.ErrorMeta != nil {
		code = r.ErrorMeta.FailureCode
	}
	return Signature(r.ErrorMessage, code)
}

// HasRepeatedSignature reports whether the task's last threshold
// failed/cancelled runs all failed the same way. Fewer than threshold runs
// means false; a threshold of 1 or less forces true; an empty signature
// forces false.
func HasRepeatedSignature(ctx context.Context, s store.Store, taskID string, threshold int) (bool, error) {
	if threshold <= 1 {
		return true, nil
	}

	runs, err := s.ListRunsByTask(ctx, taskID,
		[]store.RunStatus{store.RunFailed, store.RunCancelled}, threshold)
	if err != nil {
		return false, err
	}
	if len(runs) < threshold {
		return false, nil
	}

	first := runSignature(runs[0])
	if first == "" {
		return false, nil
	}
	for _, r := range runs[1:] {
		if runSignature(r) != first {
			return false, nil
		}
	}
	return true, nil
}

// Package failure maps run errors onto recovery decisions: a category, a
// retry verdict and a canonical reason code. Structured failure codes always
// win over message pattern matching.
package failure

import (
	"regexp"
	"strings"

	"github.com/agentforge/cyclemgr/internal/store"
)

// Category groups failures by the kind of recovery they need.
type Category string

const (
	CategoryEnv        Category = "env"
	CategorySetup      Category = "setup"
	CategoryPermission Category = "permission"
	CategoryNoop       Category = "noop"
	CategoryPolicy     Category = "policy"
	CategoryTest       Category = "test"
	CategoryFlaky      Category = "flaky"
	CategoryModel      Category = "model"
	CategoryModelLoop  Category = "model_loop"
)

// Canonical failure codes. Agents set them in errorMeta.failureCode; the
// message classifier emits the same codes so downstream recovery logic has a
// single vocabulary.
const (
	ReasonPermissionPrompt  = "external_directory_permission_prompt"
	ReasonNoActionable      = "no_actionable_changes"
	ReasonPolicyViolation   = "policy_violation"
	ReasonMissingScript     = "verification_command_missing_script"
	ReasonUnsupportedFormat = "verification_command_unsupported_format"
	ReasonSequenceIssue     = "verification_command_sequence_issue"
	ReasonMissingMakeTarget = "missing_make_target"
	ReasonNoTestFiles       = "no_test_files"
	ReasonBootstrap         = "setup_or_bootstrap_issue"
	ReasonEnvironment       = "environment_issue"
	ReasonQuota             = "quota_failure"
	ReasonVerification      = "verification_command_failed"
	ReasonTestFailure       = "test_failure"
	ReasonTransient         = "transient_or_flaky_failure"
	ReasonDoomLoop          = "model_doom_loop"
	ReasonExecutionFailed   = "execution_failed"
	ReasonUnknown           = "model_or_unknown_failure"
)

// Classification is the classifier output.
type Classification struct {
	Category    Category
	Retryable   bool
	Reason      string
	BlockReason store.BlockReason
}

// codeTable maps structured failure codes onto classifications. An unknown
// code falls through to message matching.
var codeTable = map[string]Classification{
	ReasonPermissionPrompt:  {CategoryPermission, false, ReasonPermissionPrompt, store.BlockNeedsRework},
	ReasonNoActionable:      {CategoryNoop, false, ReasonNoActionable, store.BlockNeedsRework},
	ReasonPolicyViolation:   {CategoryPolicy, true, ReasonPolicyViolation, store.BlockNeedsRework},
	ReasonMissingScript:     {CategorySetup, false, ReasonMissingScript, store.BlockNeedsRework},
	ReasonUnsupportedFormat: {CategorySetup, false, ReasonUnsupportedFormat, store.BlockNeedsRework},
	ReasonSequenceIssue:     {CategorySetup, false, ReasonSequenceIssue, store.BlockNeedsRework},
	ReasonMissingMakeTarget: {CategorySetup, false, ReasonMissingMakeTarget, store.BlockNeedsRework},
	ReasonNoTestFiles:       {CategorySetup, false, ReasonNoTestFiles, store.BlockNeedsRework},
	ReasonBootstrap:         {CategorySetup, true, ReasonBootstrap, store.BlockNeedsRework},
	ReasonEnvironment:       {CategoryEnv, true, ReasonEnvironment, store.BlockNeedsRework},
	ReasonQuota:             {CategoryEnv, true, ReasonQuota, store.BlockNeedsRework},
	ReasonVerification:      {CategoryTest, true, ReasonVerification, store.BlockNeedsRework},
	ReasonTestFailure:       {CategoryTest, true, ReasonTestFailure, store.BlockNeedsRework},
	ReasonTransient:         {CategoryFlaky, true, ReasonTransient, store.BlockNeedsRework},
	ReasonDoomLoop:          {CategoryModelLoop, true, ReasonDoomLoop, store.BlockNeedsRework},
	ReasonExecutionFailed:   {CategoryModel, true, ReasonExecutionFailed, store.BlockNeedsRework},
	ReasonUnknown:           {CategoryModel, true, ReasonUnknown, store.BlockNeedsRework},
}

type messageRule struct {
	re *regexp.Regexp
	c  Classification
}

// messageRules run in priority order against the normalized (lowercase,
// ANSI-stripped) message; the first match wins. Compiled once at startup.
var messageRules = []messageRule{
	{regexp.MustCompile(`permission (?:prompt|request)|requires? (?:your )?permission|waiting for (?:user )?approval|asked to grant access`),
		codeTable[ReasonPermissionPrompt]},
	{regexp.MustCompile(`no actionable changes|nothing to commit|no changes (?:were )?(?:made|detected)`),
		codeTable[ReasonNoActionable]},
	{regexp.MustCompile(`policy violation|outside (?:the )?allowed paths|not (?:in|within) (?:the )?allowed paths`),
		codeTable[ReasonPolicyViolation]},
	{regexp.MustCompile(`err_pnpm_no_script|missing script`),
		codeTable[ReasonMissingScript]},
	{regexp.MustCompile(`verification failed at test -[fs] `),
		codeTable[ReasonSequenceIssue]},
	{regexp.MustCompile(`no rule to make target`),
		codeTable[ReasonMissingMakeTarget]},
	{regexp.MustCompile(`modulenotfounderror|cannot find module|command not found|enoent|no such file or directory|failed to install|npm err!|unable to resolve dependency|authentication (?:failed|required)|invalid credentials`),
		codeTable[ReasonBootstrap]},
	{regexp.MustCompile(`connection refused|econnrefused|could not connect|database .* does not exist|pg_hba`),
		codeTable[ReasonEnvironment]},
	{regexp.MustCompile(`verification commands? failed|tests? failed|test failures?|\bjest\b|\bvitest\b|\bpytest\b|assertionerror`),
		codeTable[ReasonVerification]},
	{regexp.MustCompile(`rate limit|too many requests|\b429\b|\b50[234]\b|timed? ?out|econnreset|socket hang up|service unavailable|temporarily unavailable|overloaded`),
		codeTable[ReasonTransient]},
	{regexp.MustCompile(`doom loop|loop detected|repeating the same (?:edit|change|action)`),
		codeTable[ReasonDoomLoop]},
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// Classify maps a run error onto a classification. The structured
// errorMeta.failureCode wins when it is a known code; otherwise the message
// is matched against the rule table. Classification is pure: identical input
// always yields identical output.
func Classify(message string, meta *store.ErrorMeta) Classification {
	if meta != nil && meta.FailureCode != "" {
		if c, ok := codeTable[meta.FailureCode]; ok {
			return c
		}
	}

	normalized := strings.ToLower(stripANSI(message))
	for _, rule := range messageRules {
		if rule.re.MatchString(normalized) {
			return rule.c
		}
	}
	return codeTable[ReasonUnknown]
}

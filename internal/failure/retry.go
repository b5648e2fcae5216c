package failure

// UnlimitedRetries disables a retry limit.
const UnlimitedRetries = -1

// RetryPolicy combines the global retry limit with per-category limits.
type RetryPolicy struct {
	// GlobalLimit caps retries across all categories; negative means
	// unlimited.
	GlobalLimit int
	// CategoryLimits caps retries per failure category. Zero or negative
	// table values mean the category is never retried.
	CategoryLimits map[Category]int
}

// DefaultRetryPolicy returns the built-in limits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		GlobalLimit: UnlimitedRetries,
		CategoryLimits: map[Category]int{
			CategoryEnv:        5,
			CategorySetup:      3,
			CategoryPermission: 0,
			CategoryNoop:       0,
			CategoryPolicy:     2,
			CategoryTest:       2,
			CategoryFlaky:      6,
			CategoryModel:      2,
			CategoryModelLoop:  1,
		},
	}
}

// IsRetryAllowed reports whether a task at retry count n may retry under the
// global limit.
func (p RetryPolicy) IsRetryAllowed(n int) bool {
	return p.GlobalLimit < 0 || n < p.GlobalLimit
}

// ResolveCategoryLimit computes the effective limit for a category. With an
// unlimited global limit, retryable categories are unlimited and non-retry
// categories stay at 0; otherwise the category table is capped by the global
// limit.
func (p RetryPolicy) ResolveCategoryLimit(cat Category) int {
	limit, ok := p.CategoryLimits[cat]
	if !ok {
		limit = p.CategoryLimits[CategoryModel]
	}
	if p.GlobalLimit < 0 {
		if limit <= 0 {
			return 0
		}
		return UnlimitedRetries
	}
	if limit > p.GlobalLimit {
		return p.GlobalLimit
	}
	return limit
}

// IsCategoryRetryAllowed reports whether retry count n is under the resolved
// category limit; a negative limit means unlimited.
func IsCategoryRetryAllowed(n, limit int) bool {
	return limit < 0 || n < limit
}

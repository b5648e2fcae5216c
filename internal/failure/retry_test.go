package failure

import "testing"

func TestResolveCategoryLimitUnlimitedGlobal(t *testing.T) {
	p := DefaultRetryPolicy()

	// Retryable categories become unlimited, non-retry categories stay at 0.
	if got := p.ResolveCategoryLimit(CategoryFlaky); got != UnlimitedRetries {
		t.Errorf("flaky limit = %d, want %d", got, UnlimitedRetries)
	}
	if got := p.ResolveCategoryLimit(CategoryPermission); got != 0 {
		t.Errorf("permission limit = %d, want 0", got)
	}
	if got := p.ResolveCategoryLimit(CategoryNoop); got != 0 {
		t.Errorf("noop limit = %d, want 0", got)
	}
}

func TestResolveCategoryLimitCappedByGlobal(t *testing.T) {
	p := DefaultRetryPolicy()
	p.GlobalLimit = 1

	if got := p.ResolveCategoryLimit(CategoryFlaky); got != 1 {
		t.Errorf("flaky limit = %d, want 1", got)
	}
	if got := p.ResolveCategoryLimit(CategoryPermission); got != 0 {
		t.Errorf("permission limit = %d, want 0", got)
	}
}

func TestResolveCategoryLimitUnknownCategory(t *testing.T) {
	p := DefaultRetryPolicy()
	p.GlobalLimit = 10

	// Unknown categories use the model limit.
	if got, want := p.ResolveCategoryLimit(Category("mystery")), p.CategoryLimits[CategoryModel]; got != want {
		t.Errorf("unknown category limit = %d, want %d", got, want)
	}
}

func TestIsRetryAllowed(t *testing.T) {
	p := RetryPolicy{GlobalLimit: UnlimitedRetries}
	if !p.IsRetryAllowed(1000) {
		t.Error("unlimited global must always allow")
	}

	p.GlobalLimit = 3
	if !p.IsRetryAllowed(2) {
		t.Error("2 < 3 must allow")
	}
	if p.IsRetryAllowed(3) {
		t.Error("3 >= 3 must deny")
	}
}

func TestIsCategoryRetryAllowed(t *testing.T) {
	if !IsCategoryRetryAllowed(99, UnlimitedRetries) {
		t.Error("negative limit means unlimited")
	}
	if IsCategoryRetryAllowed(0, 0) {
		t.Error("limit 0 must deny the first retry")
	}
	if !IsCategoryRetryAllowed(1, 2) {
		t.Error("1 < 2 must allow")
	}
	if IsCategoryRetryAllowed(2, 2) {
		t.Error("2 >= 2 must deny")
	}
}

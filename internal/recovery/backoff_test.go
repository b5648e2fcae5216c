package recovery

import (
	"testing"
	"time"
)

func TestQuotaBackoffDeterministic(t *testing.T) {
	cfg := DefaultBackoffConfig()
	a := QuotaBackoff(cfg, "task-1", 3, "")
	b := QuotaBackoff(cfg, "task-1", 3, "")
	if a != b {
		t.Errorf("same inputs gave %v and %v", a, b)
	}
}

func TestQuotaBackoffGrowsWithRetryCount(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.JitterRatio = 0

	prev := time.Duration(0)
	for n := 0; n < 5; n++ {
		d := QuotaBackoff(cfg, "task-1", n, "")
		if d <= prev {
			t.Errorf("retry %d: backoff %v did not grow past %v", n, d, prev)
		}
		prev = d
	}
}

func TestQuotaBackoffCappedAtMax(t *testing.T) {
	cfg := DefaultBackoffConfig()
	d := QuotaBackoff(cfg, "task-1", 100, "")
	if d > cfg.Max {
		t.Errorf("backoff %v exceeds max %v", d, cfg.Max)
	}
}

func TestQuotaBackoffJitterBounded(t *testing.T) {
	cfg := DefaultBackoffConfig()
	d := QuotaBackoff(cfg, "task-1", 0, "")
	if d < cfg.Base {
		t.Errorf("backoff %v below base %v", d, cfg.Base)
	}
	maxWithJitter := time.Duration(float64(cfg.Base) * (1 + cfg.JitterRatio))
	if d > maxWithJitter {
		t.Errorf("backoff %v exceeds base+jitter %v", d, maxWithJitter)
	}
}

func TestQuotaBackoffRetryAfterHint(t *testing.T) {
	cfg := DefaultBackoffConfig()
	d := QuotaBackoff(cfg, "task-1", 0, "quota exhausted, retry after 300 seconds")
	if d < 300*time.Second {
		t.Errorf("backoff %v below the provider hint of 300s", d)
	}
}

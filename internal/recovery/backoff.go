package recovery

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"time"
)

var retryAfterRe = regexp.MustCompile(`(?i)retry(?:-| )after:?\s*(\d+)\s*s`)

// QuotaBackoff computes the requeue delay for a quota-blocked task:
// exponential in the retry count, capped at max, with deterministic jitter
// seeded by (taskID, retryCount) so replicas agree on the next attempt time.
// A "retry after Ns" hint in the provider's error message acts as a floor.
func QuotaBackoff(cfg BackoffConfig, taskID string, retryCount int, latestErrorMessage string) time.Duration {
	delay := float64(cfg.Base)
	for i := 0; i < retryCount && time.Duration(delay) < cfg.Max; i++ {
		delay *= cfg.Factor
	}
	if time.Duration(delay) > cfg.Max {
		delay = float64(cfg.Max)
	}

	if cfg.JitterRatio > 0 {
		delay += delay * cfg.JitterRatio * jitterFraction(taskID, retryCount)
	}
	if time.Duration(delay) > cfg.Max {
		delay = float64(cfg.Max)
	}

	d := time.Duration(delay)
	if hint, ok := retryAfterHint(latestErrorMessage); ok && hint > d {
		d = hint
	}
	return d
}

// jitterFraction hashes (taskID, retryCount) into [0, 1).
func jitterFraction(taskID string, retryCount int) float64 {
	h := fnv.New64a()
	h.Write([]byte(taskID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(retryCount)))
	return float64(h.Sum64()%1000) / 1000
}

func retryAfterHint(message string) (time.Duration, bool) {
	m := retryAfterRe.FindStringSubmatch(message)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

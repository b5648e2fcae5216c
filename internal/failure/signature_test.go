package failure

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agentforge/cyclemgr/internal/store"
)

func TestNormalizeSignatureIdempotent(t *testing.T) {
	msg := "Error 42 in /home/agent/work/repo/main.go at 13:37"
	once := NormalizeSignature(msg)
	twice := NormalizeSignature(once)
	if once != twice {
		t.Errorf("not idempotent:\n once=%q\ntwice=%q", once, twice)
	}
}

func TestNormalizeSignatureCollapsesVolatileParts(t *testing.T) {
	a := "run 0e4baf02-9a1c-4d2e-8f3a-111111111111 failed in /tmp/work/agent-1/repo after 31s"
	b := "run 56a9c6de-2b3f-4e5a-9c1d-222222222222 failed in /tmp/work/agent-9/repo after 305s"
	if NormalizeSignature(a) != NormalizeSignature(b) {
		t.Errorf("signatures differ:\na=%q\nb=%q", NormalizeSignature(a), NormalizeSignature(b))
	}
}

func TestNormalizeSignatureTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "repeating error "
	}
	if got := len(NormalizeSignature(long)); got > 400 {
		t.Errorf("signature length = %d, want <= 400", got)
	}
}

func TestSignatureIncludesFailureCode(t *testing.T) {
	with := Signature("boom", "test_failure")
	without := Signature("boom", "")
	if with == without {
		t.Error("failure code must change the signature")
	}
	if with != "code:test_failure|boom" {
		t.Errorf("signature = %q", with)
	}
}

func insertFailedRuns(t *testing.T, s *store.MemoryStore, taskID string, messages []string) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i, msg := range messages {
		err := s.InsertRun(context.Background(), &store.Run{
			ID:           fmt.Sprintf("%s-run-%d", taskID, i),
			TaskID:       taskID,
			Status:       store.RunFailed,
			StartedAt:    base.Add(time.Duration(i) * time.Minute),
			ErrorMessage: msg,
		})
		if err != nil {
			t.Fatalf("InsertRun: %v", err)
		}
	}
}

func TestHasRepeatedSignature(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	insertFailedRuns(t, s, "t1", []string{
		"Model timeout after 30s",
		"Model timeout after 31s",
		"Model timeout after 32s",
		"Model timeout after 33s",
	})

	repeated, err := HasRepeatedSignature(ctx, s, "t1", 4)
	if err != nil {
		t.Fatalf("HasRepeatedSignature: %v", err)
	}
	if !repeated {
		t.Error("four normalized-equal failures should count as repeated")
	}
}

func TestHasRepeatedSignatureDifferentErrors(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	insertFailedRuns(t, s, "t1", []string{
		"Model timeout after 30s",
		"tests failed",
		"Model timeout after 32s",
		"Model timeout after 33s",
	})

	repeated, err := HasRepeatedSignature(ctx, s, "t1", 4)
	if err != nil {
		t.Fatalf("HasRepeatedSignature: %v", err)
	}
	if repeated {
		t.Error("differing failures must not count as repeated")
	}
}

func TestHasRepeatedSignatureBoundaries(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	insertFailedRuns(t, s, "t1", []string{"boom", "boom"})

	// Threshold of 1 or less forces true regardless of history.
	repeated, err := HasRepeatedSignature(ctx, s, "t1", 1)
	if err != nil || !repeated {
		t.Errorf("threshold 1: got (%v, %v), want (true, nil)", repeated, err)
	}

	// Fewer runs than the threshold means false.
	repeated, err = HasRepeatedSignature(ctx, s, "t1", 4)
	if err != nil || repeated {
		t.Errorf("fewer runs than threshold: got (%v, %v), want (false, nil)", repeated, err)
	}
}

func TestHasRepeatedSignatureEmptyMessages(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	insertFailedRuns(t, s, "t1", []string{"", "", "", ""})

	repeated, err := HasRepeatedSignature(ctx, s, "t1", 4)
	if err != nil {
		t.Fatalf("HasRepeatedSignature: %v", err)
	}
	if repeated {
		t.Error("empty signatures must not count as repeated")
	}
}

package execution

import (
	"errors"
	"testing"

	"github.com/tradeforge/exchange-api/internal/types"
)

func TestWithRetriesSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := WithRetries(5, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetries: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestWithRetriesRecoversFromConflicts(t *testing.T) {
	// Four conflicts, then the fifth attempt commits
	calls := 0
	err := WithRetries(5, func() error {
		calls++
		if calls < 5 {
			return types.ErrConflict
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetries: %v", err)
	}
	if calls != 5 {
		t.Errorf("expected 5 calls, got %d", calls)
	}
}

func TestWithRetriesExhaustsBudget(t *testing.T) {
	calls := 0
	err := WithRetries(3, func() error {
		calls++
		return types.ErrConflict
	})
	if !errors.Is(err, types.ErrRetryLimitExceeded) {
		t.Fatalf("expected retry limit exceeded, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetriesPropagatesOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := WithRetries(5, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected underlying error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-conflict errors must not be retried, got %d calls", calls)
	}
}

package queryclient

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

type httpError struct {
	code int
}

func (e httpError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e httpError) StatusCode() int { return e.code }

func TestFetchCaches(t *testing.T) {
	c := New()
	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.Fetch(context.Background(), "k", fn)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if got != "value" {
			t.Errorf("got %v", got)
		}
	}
	if calls != 1 {
		t.Errorf("fetch fn ran %d times, want 1", calls)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	c := New()
	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return calls, nil
	}

	c.Fetch(context.Background(), "k", fn)
	c.Invalidate("k")
	got, err := c.Fetch(context.Background(), "k", fn)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != 2 || calls != 2 {
		t.Errorf("got %v after %d calls", got, calls)
	}
}

func TestInvalidateCancelsInFlightFetch(t *testing.T) {
	c := New()
	started := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := c.Fetch(context.Background(), "k", func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		done <- err
	}()

	<-started
	c.Invalidate("k")

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected canceled fetch, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight fetch was not cancelled")
	}
}

func TestMutateOptimisticRollback(t *testing.T) {
	c := New()
	original := []string{"e1", "e2", "e3"}
	c.Fetch(context.Background(), "entities", func(ctx context.Context) (any, error) {
		return original, nil
	})

	sawOptimistic := false
	err := c.Mutate(context.Background(), MutationSpec{
		AffectedKeys: []string{"entities"},
		Optimistic: func(key string, value any) (any, bool) {
			return []string{"e1", "e3"}, true
		},
		Do: func(ctx context.Context) error {
			if v, ok := c.Peek("entities"); ok {
				if list, ok := v.([]string); ok && len(list) == 2 {
					sawOptimistic = true
				}
			}
			return httpError{code: 403}
		},
	})
	if err == nil {
		t.Fatal("expected mutation error")
	}
	if !sawOptimistic {
		t.Error("optimistic value was not visible during the mutation")
	}

	// Cache must be restored to the exact pre-mutation snapshot.
	v, ok := c.Peek("entities")
	if !ok {
		t.Fatal("snapshot entry missing after rollback")
	}
	if !reflect.DeepEqual(v, original) {
		t.Errorf("rollback value = %v, want %v", v, original)
	}
}

func TestMutateInvalidatesOnSuccess(t *testing.T) {
	c := New()
	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return calls, nil
	}
	c.Fetch(context.Background(), "k", fn)

	err := c.Mutate(context.Background(), MutationSpec{
		AffectedKeys: []string{"k"},
		Do:           func(ctx context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	c.Fetch(context.Background(), "k", fn)
	if calls != 2 {
		t.Errorf("expected refetch after mutation, fetch ran %d times", calls)
	}
}

func TestMutateRetriesTransientErrors(t *testing.T) {
	c := New()
	c.retryDelay = time.Millisecond

	attempts := 0
	err := c.Mutate(context.Background(), MutationSpec{
		Do: func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return httpError{code: 500}
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestMutateNeverRetriesAuthErrors(t *testing.T) {
	c := New()
	c.retryDelay = time.Millisecond

	for _, code := range []int{401, 403} {
		attempts := 0
		err := c.Mutate(context.Background(), MutationSpec{
			Do: func(ctx context.Context) error {
				attempts++
				return httpError{code: code}
			},
		})
		if err == nil {
			t.Fatalf("expected error for code %d", code)
		}
		if attempts != 1 {
			t.Errorf("code %d: attempts = %d, want 1", code, attempts)
		}
	}
}

func TestMutateRetryBudgetExhausted(t *testing.T) {
	c := New()
	c.retryDelay = time.Millisecond

	attempts := 0
	err := c.Mutate(context.Background(), MutationSpec{
		Do: func(ctx context.Context) error {
			attempts++
			return httpError{code: 502}
		},
	})
	if err == nil {
		t.Fatal("expected error after retries")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 try + 2 retries)", attempts)
	}
}

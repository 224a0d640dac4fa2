package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/threadcast/internal/models"
	"go.uber.org/zap"
)

func TestRateLimiterRefusesBeyondCap(t *testing.T) {
	ctx := context.Background()
	limiter := NewRateLimiter(newFakeCache(), 5, time.Minute, zap.NewNop())
	user := uuid.New()

	for i := 0; i < 5; i++ {
		if d := limiter.CheckAndConsume(ctx, user, ActionSend); !d.Allowed {
			t.Fatalf("attempt %d refused within the cap", i+1)
		}
	}

	d := limiter.CheckAndConsume(ctx, user, ActionSend)
	if d.Allowed {
		t.Fatal("attempt beyond the cap must be refused")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("refusal carries RetryAfter %v, want a positive remainder", d.RetryAfter)
	}
}

func TestRateLimiterConcurrentBurstAdmitsExactlyCap(t *testing.T) {
	ctx := context.Background()
	const limit = 10
	limiter := NewRateLimiter(newFakeCache(), limit, time.Minute, zap.NewNop())
	user := uuid.New()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 3*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.CheckAndConsume(ctx, user, ActionSend).Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Errorf("burst admitted %d attempts, want exactly %d", allowed, limit)
	}
}

func TestRateLimiterIsPerUser(t *testing.T) {
	ctx := context.Background()
	limiter := NewRateLimiter(newFakeCache(), 1, time.Minute, zap.NewNop())
	alice, bob := uuid.New(), uuid.New()

	limiter.CheckAndConsume(ctx, alice, ActionSend)
	if d := limiter.CheckAndConsume(ctx, alice, ActionSend); d.Allowed {
		t.Error("alice's second attempt should be refused")
	}
	if d := limiter.CheckAndConsume(ctx, bob, ActionSend); !d.Allowed {
		t.Error("alice's window must not count against bob")
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	ctx := context.Background()
	limiter := NewRateLimiter(newFakeCache(), 1, 20*time.Millisecond, zap.NewNop())
	user := uuid.New()

	limiter.CheckAndConsume(ctx, user, ActionSend)
	if d := limiter.CheckAndConsume(ctx, user, ActionSend); d.Allowed {
		t.Fatal("second attempt in the window should be refused")
	}

	time.Sleep(30 * time.Millisecond)
	if d := limiter.CheckAndConsume(ctx, user, ActionSend); !d.Allowed {
		t.Error("attempt after the window elapsed should be allowed")
	}
}

func TestRateLimiterAllowsWhenCacheDown(t *testing.T) {
	ctx := context.Background()
	c := newFakeCache()
	c.fail = true
	limiter := NewRateLimiter(c, 1, time.Minute, zap.NewNop())
	user := uuid.New()

	for i := 0; i < 3; i++ {
		if d := limiter.CheckAndConsume(ctx, user, ActionSend); !d.Allowed {
			t.Fatal("an unreachable cache must degrade to allowing, not blocking")
		}
	}
}

func TestSendIsRateLimited(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(stackOptions{rateCap: 2, rateWindow: time.Minute})
	alice := uuid.New()
	thread := uuid.New()
	s.participants.Add(ctx, thread, alice, models.RoleMember)
	aliceConn := s.connect(t, alice)

	for i := 0; i < 2; i++ {
		if _, err := s.pipeline.Send(ctx, alice, SendRequest{Content: "spam", ThreadID: thread}); err != nil {
			t.Fatalf("send %d within the cap: %v", i+1, err)
		}
	}
	drainEvents(t, aliceConn)

	_, err := s.pipeline.Send(ctx, alice, SendRequest{Content: "spam", ThreadID: thread})
	if code := requestErrorCode(t, err); code != CodeRateLimited {
		t.Fatalf("error code = %s, want %s", code, CodeRateLimited)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.RetryAfter <= 0 {
		t.Error("rate-limited send should tell the client when to retry")
	}

	if s.messages.nextID != 2 {
		t.Errorf("store holds %d messages, the refused send must not persist", s.messages.nextID)
	}
	if got := drainEvents(t, aliceConn); len(got) != 0 {
		t.Errorf("refused send broadcast %d events, want 0", len(got))
	}
}

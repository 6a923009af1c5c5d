package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"dispatchd/internal/clock"
	"dispatchd/internal/testutil"
)

func TestRedisQueue_DedupAndFIFO(t *testing.T) {
	_, client := testutil.Redis(t)
	q := NewRedisQueue(client, time.Hour)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "a"} {
		if _, err := q.Push(ctx, Job{ID: id, NotificationID: "n"}); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Fatalf("expected 2 jobs, got %d", n)
	}
	first, err := q.Pop(ctx)
	if err != nil || first.ID != "a" {
		t.Fatalf("expected a first, got %+v %v", first, err)
	}
	second, err := q.Pop(ctx)
	if err != nil || second.ID != "b" {
		t.Fatalf("expected b second, got %+v %v", second, err)
	}
}

func TestRedisQueue_DedupExpires(t *testing.T) {
	mr, client := testutil.Redis(t)
	q := NewRedisQueue(client, time.Minute)
	ctx := context.Background()

	if added, _ := q.Push(ctx, Job{ID: "a"}); !added {
		t.Fatal("expected first push to add")
	}
	if added, _ := q.Push(ctx, Job{ID: "a"}); added {
		t.Fatal("expected duplicate")
	}
	mr.FastForward(2 * time.Minute)
	if added, _ := q.Push(ctx, Job{ID: "a"}); !added {
		t.Fatal("expected push after dedup window")
	}
}

func TestRedisQueue_PopHonoursContext(t *testing.T) {
	_, client := testutil.Redis(t)
	q := NewRedisQueue(client, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryQueue_Dedup(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	if added, _ := q.Push(ctx, Job{ID: "x"}); !added {
		t.Fatal("expected add")
	}
	if added, _ := q.Push(ctx, Job{ID: "x"}); added {
		t.Fatal("expected duplicate")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1, got %d", q.Len())
	}
}

func TestRedisQueue_UnackedClaimIsRequeued(t *testing.T) {
	_, client := testutil.Redis(t)
	clk := clock.NewFake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	q := NewRedisQueue(client, time.Hour).WithVisibility(clk, time.Minute)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := q.Push(ctx, Job{ID: id, NotificationID: "n"}); err != nil {
			t.Fatal(err)
		}
	}
	a, err := q.Pop(ctx)
	if err != nil || a.ID != "a" {
		t.Fatalf("expected a, got %+v %v", a, err)
	}
	if n, _ := q.Claimed(ctx); n != 1 {
		t.Fatalf("expected 1 claim, got %d", n)
	}
	if moved, _ := q.RequeueExpired(ctx); moved != 0 {
		t.Fatalf("claim requeued before its timeout: %d", moved)
	}

	clk.Advance(time.Minute + time.Second)
	moved, err := q.RequeueExpired(ctx)
	if err != nil || moved != 1 {
		t.Fatalf("expected 1 requeued, got %d %v", moved, err)
	}
	again, err := q.Pop(ctx)
	if err != nil || again.ID != "a" {
		t.Fatalf("expected a redelivered ahead of b, got %+v %v", again, err)
	}
	if err := q.Ack(ctx, again); err != nil {
		t.Fatal(err)
	}
	b, _ := q.Pop(ctx)
	if err := q.Ack(ctx, b); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Claimed(ctx); n != 0 {
		t.Fatalf("expected no claims after ack, got %d", n)
	}
	clk.Advance(time.Hour)
	if moved, _ := q.RequeueExpired(ctx); moved != 0 {
		t.Fatalf("acked jobs came back: %d", moved)
	}
}

func TestMemoryQueue_UnackedClaimIsRequeued(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	q := NewMemoryQueue(4).WithVisibility(clk, time.Minute)
	ctx := context.Background()
	if _, err := q.Push(ctx, Job{ID: "x"}); err != nil {
		t.Fatal(err)
	}
	job, _ := q.Pop(ctx)
	clk.Advance(30 * time.Second)
	if moved, _ := q.RequeueExpired(ctx); moved != 0 {
		t.Fatalf("claim requeued early: %d", moved)
	}
	clk.Advance(time.Minute)
	if moved, _ := q.RequeueExpired(ctx); moved != 1 || q.Len() != 1 || q.Claimed() != 0 {
		t.Fatalf("expected the job back: moved=%d len=%d claimed=%d", moved, q.Len(), q.Claimed())
	}
	again, _ := q.Pop(ctx)
	if again.ID != job.ID {
		t.Fatalf("expected %s, got %s", job.ID, again.ID)
	}
	_ = q.Ack(ctx, again)
	if q.Claimed() != 0 {
		t.Fatalf("expected no claims, got %d", q.Claimed())
	}
}

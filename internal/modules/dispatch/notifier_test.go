package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/clock"
	"dispatchd/internal/config"
	"dispatchd/internal/modules/notification"
	"dispatchd/internal/types"
)

type capturedSend struct {
	to  notification.Recipient
	msg notification.Message
}

type capturingGateway struct {
	mu   sync.Mutex
	sent []capturedSend
}

func (g *capturingGateway) Send(_ context.Context, to notification.Recipient, m notification.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, capturedSend{to: to, msg: m})
	return nil
}

func newDeliveryNotifier() (*DeliveryNotifier, *notification.MemoryStore, *capturingGateway) {
	clk := clock.NewFake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	store := notification.NewMemoryStore(clk)
	deliverer := notification.NewDeliverer(notification.NewMemoryQueue(16), store, nil, clk, config.NotificationConfig{}, nil)
	direct := &capturingGateway{}
	return NewDeliveryNotifier(direct, deliverer, nil, nil), store, direct
}

func TestDeliveryNotifier_PickupCodeIsNotStored(t *testing.T) {
	n, store, direct := newDeliveryNotifier()
	ctx := context.Background()
	r := &Request{ID: "r1", RequesterID: "u1", RequesterToken: "tok-u1", Status: StatusAssigned, StatusVersion: 3}

	if err := n.Requester(ctx, r, EventAssigned, map[string]string{"worker_id": "w1", pickupCodeKey: "4821"}); err != nil {
		t.Fatalf("assigned notice: %v", err)
	}
	stored, err := store.Payload(ctx, notification.DirectBroadcast, fmt.Sprintf("request:%s:%s:%d", r.ID, EventAssigned, r.StatusVersion))
	if err != nil {
		t.Fatalf("stored payload: %v", err)
	}
	if _, leaked := stored.Data["otp"]; leaked {
		t.Fatalf("pickup code persisted: %+v", stored.Data)
	}
	if stored.Data["worker_id"] != "w1" {
		t.Fatalf("status payload lost its data: %+v", stored.Data)
	}
	if len(direct.sent) != 1 {
		t.Fatalf("expected one direct send, got %d", len(direct.sent))
	}
	got := direct.sent[0]
	if got.msg.Type != notification.TypePickupCode || got.msg.Data["otp"] != "4821" || got.to.UserID != "u1" || got.to.Token != "tok-u1" {
		t.Fatalf("unexpected direct send %+v", got)
	}
}

func TestDeliveryNotifier_ResentCodeSkipsQueue(t *testing.T) {
	n, store, direct := newDeliveryNotifier()
	ctx := context.Background()
	r := &Request{ID: "r1", RequesterID: "u1", RequesterToken: "tok-u1", Status: StatusArrived, StatusVersion: 5}

	if err := n.Requester(ctx, r, EventOTP, map[string]string{pickupCodeKey: "1177"}); err != nil {
		t.Fatalf("resend notice: %v", err)
	}
	if _, err := store.Payload(ctx, notification.DirectBroadcast, fmt.Sprintf("request:%s:%s:%d", r.ID, EventOTP, r.StatusVersion)); err == nil {
		t.Fatal("resent code was queued through the stored payloads")
	}
	if len(direct.sent) != 1 || direct.sent[0].msg.Data["otp"] != "1177" {
		t.Fatalf("unexpected direct sends %+v", direct.sent)
	}
}

func TestDeliveryNotifier_StatusWithoutCodeIsQueuedOnly(t *testing.T) {
	n, store, direct := newDeliveryNotifier()
	ctx := context.Background()
	r := &Request{ID: types.ID("r2"), RequesterID: "u2", Status: StatusArrived, StatusVersion: 4}

	if err := n.Requester(ctx, r, EventArrived, nil); err != nil {
		t.Fatalf("arrived notice: %v", err)
	}
	if _, err := store.Payload(ctx, notification.DirectBroadcast, fmt.Sprintf("request:%s:%s:%d", r.ID, EventArrived, r.StatusVersion)); err != nil {
		t.Fatalf("arrived payload: %v", err)
	}
	if len(direct.sent) != 0 {
		t.Fatalf("status notice sent directly: %+v", direct.sent)
	}
}

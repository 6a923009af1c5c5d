package notification

import (
	"context"
	"errors"
	"testing"

	"firebase.google.com/go/v4/messaging"
)

type fakeMessaging struct {
	sent []*messaging.Message
	err  error
}

func (f *fakeMessaging) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.sent = append(f.sent, m)
	if f.err != nil {
		return "", f.err
	}
	return "projects/p/messages/1", nil
}

func TestFCMGateway_BuildsMessage(t *testing.T) {
	client := &fakeMessaging{}
	gw := NewFCMGateway(client, 0)
	err := gw.Send(context.Background(), Recipient{UserID: "w1", Token: "tok"}, Message{
		Type: TypeOffer, Title: "New job", Body: "2.1 km away", Data: map[string]string{"request_id": "r1"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(client.sent))
	}
	m := client.sent[0]
	if m.Token != "tok" || m.Data["type"] != TypeOffer || m.Data["request_id"] != "r1" {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.Notification == nil || m.Notification.Title != "New job" {
		t.Fatalf("missing notification block: %+v", m.Notification)
	}
	if m.Android == nil || m.Android.Priority != "high" {
		t.Fatalf("expected high android priority")
	}
}

func TestFCMGateway_DataOnly(t *testing.T) {
	client := &fakeMessaging{}
	if err := NewFCMGateway(client, 100).Send(context.Background(), Recipient{Token: "tok"}, Message{Type: TypeOfferWithdraw}); err != nil {
		t.Fatal(err)
	}
	if client.sent[0].Notification != nil {
		t.Fatal("data-only message must not carry a notification block")
	}
}

func TestFCMGateway_Errors(t *testing.T) {
	gw := NewFCMGateway(&fakeMessaging{}, 0)
	if err := gw.Send(context.Background(), Recipient{UserID: "w1"}, Message{Type: TypeOffer}); !IsPermanent(err) || !errors.Is(err, ErrEmptyRecipient) {
		t.Fatalf("empty token must be permanent, got %v", err)
	}

	failing := NewFCMGateway(&fakeMessaging{err: errors.New("connection reset")}, 0)
	err := failing.Send(context.Background(), Recipient{Token: "tok"}, Message{Type: TypeOffer})
	if err == nil || IsPermanent(err) {
		t.Fatalf("network error must be transient, got %v", err)
	}
}

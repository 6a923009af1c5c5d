package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"dispatchd/internal/clock"
)

type scriptedGateway struct {
	errs  []error
	calls int
}

func (g *scriptedGateway) Send(context.Context, Recipient, Message) error {
	g.calls++
	if len(g.errs) == 0 {
		return nil
	}
	err := g.errs[0]
	g.errs = g.errs[1:]
	return err
}

func TestOfferSender(t *testing.T) {
	transient := Transient(errors.New("503"))
	permanent := Permanent(errors.New("unregistered"))

	tests := []struct {
		name       string
		errs       []error
		wantCalls  int
		wantSleeps []time.Duration
		wantErr    bool
	}{
		{name: "first try", wantCalls: 1},
		{name: "recovers on third", errs: []error{transient, transient}, wantCalls: 3, wantSleeps: []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}},
		{name: "gives up after three", errs: []error{transient, transient, transient, transient}, wantCalls: 3, wantSleeps: []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, wantErr: true},
		{name: "permanent stops", errs: []error{permanent}, wantCalls: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &scriptedGateway{errs: tt.errs}
			clk := clock.NewFake(time.Now())
			err := NewOfferSender(gw, clk, 3, 200*time.Millisecond, nil).Send(context.Background(), Recipient{UserID: "w1", Token: "t"}, Message{Type: TypeOffer})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if gw.calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", gw.calls, tt.wantCalls)
			}
			got := clk.Slept()
			if len(got) != len(tt.wantSleeps) {
				t.Fatalf("sleeps = %v, want %v", got, tt.wantSleeps)
			}
			for i := range got {
				if got[i] != tt.wantSleeps[i] {
					t.Fatalf("sleeps = %v, want %v", got, tt.wantSleeps)
				}
			}
		})
	}
}

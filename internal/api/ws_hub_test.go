package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/paper-ledger/internal/api"
	"github.com/atmx/paper-ledger/internal/ledger"
	"github.com/atmx/paper-ledger/internal/model"
)

func TestWSHub_PushesLedgerEvents(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	hub := api.NewWSHub(quiet())
	svc.Subscribe(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	o, err := svc.PlaceOrder(context.Background(), ledger.PlaceOrderRequest{
		MarketID:   "m1",
		Outcome:    model.OutcomeYes,
		EntryPrice: d("0.5"),
		Amount:     d("10"),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != model.EventOrderPlaced || ev.Order == nil || ev.Order.ID != o.ID {
		t.Errorf("event = %+v, want ORDER_PLACED for %s", ev, o.ID)
	}
	if ev.ProfileID != model.DefaultProfileID {
		t.Errorf("profile = %q, want default", ev.ProfileID)
	}
}

func TestWSHub_NotifyNeverBlocks(t *testing.T) {
	hub := api.NewWSHub(quiet())
	// No Run loop: the buffer fills and further events are dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Notify(model.Event{Type: model.EventProfileSwitched})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked with a full buffer")
	}
}

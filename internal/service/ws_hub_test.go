package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/reward-engine/internal/coins"
	"github.com/atmx/reward-engine/internal/payout"
	"github.com/atmx/reward-engine/internal/service"
	"github.com/atmx/reward-engine/internal/store"
)

func dialHub(t *testing.T, hub *service.WSHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent repeats trigger until an event arrives, since registration with
// the hub completes after the dial returns.
func readEvent(t *testing.T, conn *websocket.Conn, trigger func()) service.Event {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	got := make(chan result, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		got <- result{data, err}
	}()

	for {
		trigger()
		select {
		case res := <-got:
			if res.err != nil {
				t.Fatalf("read: %v", res.err)
			}
			var ev service.Event
			if err := json.Unmarshal(res.data, &ev); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			return ev
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestWSHub_BroadcastsCommittedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := service.NewWSHub()
	go hub.Run(ctx)

	svc := service.NewService(store.NewMemoryStore(), payout.NewRecordingBank(), hub)
	if _, err := svc.Bootstrap(ctx, manager, operator); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	st, err := svc.RegisterStrategy(ctx, service.Call{Sender: manager}, "staking")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.SetShares(ctx, service.Call{Sender: operator}, "alice", st.ID, d("10")); err != nil {
		t.Fatalf("set shares: %v", err)
	}

	conn := dialHub(t, hub)
	ev := readEvent(t, conn, func() {
		funds := coins.MustDecVec(coins.NewDecCoin("uatom", "10"))
		if _, err := svc.Accrue(ctx, service.Call{Sender: manager, Funds: funds}, st.ID); err != nil {
			t.Fatalf("accrue: %v", err)
		}
	})

	if ev.Type != service.EventAccrued {
		t.Fatalf("event type = %q, want %q", ev.Type, service.EventAccrued)
	}
	if ev.StrategyID == nil || *ev.StrategyID != st.ID {
		t.Errorf("event strategy = %v, want %d", ev.StrategyID, st.ID)
	}
	if ev.Timestamp.IsZero() {
		t.Error("event timestamp not set")
	}
}

func TestWSHub_ClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := service.NewWSHub()
	go hub.Run(ctx)

	conn := dialHub(t, hub)
	readEvent(t, conn, func() { hub.Broadcast(service.Event{Type: service.EventConfigUpdated}) })

	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				t.Fatal("connection still open after shutdown")
			}
			return
		}
	}
}

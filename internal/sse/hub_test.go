package sse

import (
	"encoding/json"
	"testing"
	"time"

	"lecture-attendance-go/internal/presence"
)

func TestHubBroadcastReachesClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := make(Client, 4)
	hub.Register(client)
	defer hub.Unregister(client)

	hub.BroadcastEvent("status", map[string]bool{"running": true})

	select {
	case raw := <-client:
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("broadcast payload is not an event envelope: %v", err)
		}
		if ev.Type != "status" || ev.At.IsZero() {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never reached the client")
	}
}

func TestBroadcastTransitionsSkipsEmpty(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := make(Client, 4)
	hub.Register(client)
	defer hub.Unregister(client)

	hub.BroadcastTransitions(nil)
	hub.BroadcastTransitions([]presence.Transition{{Key: "u1", Arrived: true, At: time.Now()}})

	select {
	case raw := <-client:
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != "transition" {
			t.Errorf("first delivered event = %q, want transition (empty batch must be skipped)", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transition broadcast never arrived")
	}
}

func TestSlowClientDoesNotBlockHub(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	full := make(Client) // unbuffered and never read
	hub.Register(full)
	defer hub.Unregister(full)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			hub.BroadcastEvent("status", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub blocked on a slow client")
	}
}

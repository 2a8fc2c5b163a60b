package websocket

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub("test-secret", nil)
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func newTestClient(id string, buffer int) *Client {
	return &Client{ID: id, Send: make(chan []byte, buffer)}
}

func recv(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("client %s received nothing", c.ID)
		return Event{}
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("client %s unexpectedly received %s", c.ID, data)
	case <-time.After(100 * time.Millisecond):
	}
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPublish_ReachesAllSubscribers(t *testing.T) {
	h := newTestHub(t)
	c1 := newTestClient("c1", 8)
	c2 := newTestClient("c2", 8)
	h.Subscribe(c1)
	h.Subscribe(c2)
	waitForClients(t, h, 2)

	if err := h.Publish(EventHeartbeat, "0xAA", map[string]interface{}{"nonce": 7}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, c := range []*Client{c1, c2} {
		ev := recv(t, c)
		if ev.Type != EventHeartbeat || ev.AgentID != "0xAA" {
			t.Errorf("client %s got %s/%s, want heartbeat/0xAA", c.ID, ev.Type, ev.AgentID)
		}
		var payload map[string]int
		if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload["nonce"] != 7 {
			t.Errorf("client %s payload = %s", c.ID, ev.Payload)
		}
	}
}

func TestPublish_AgentFilter(t *testing.T) {
	h := newTestHub(t)
	filtered := newTestClient("filtered", 8)
	filtered.filter = "0xAA"
	all := newTestClient("all", 8)
	h.Subscribe(filtered)
	h.Subscribe(all)
	waitForClients(t, h, 2)

	h.Publish(EventStatus, "0xBB", map[string]bool{"isAlive": false})

	ev := recv(t, all)
	if ev.AgentID != "0xBB" {
		t.Errorf("unfiltered client got agent %s, want 0xBB", ev.AgentID)
	}
	expectNothing(t, filtered)

	h.Publish(EventStatus, "0xAA", map[string]bool{"isAlive": true})
	if ev := recv(t, filtered); ev.AgentID != "0xAA" {
		t.Errorf("filtered client got agent %s, want 0xAA", ev.AgentID)
	}
}

func TestSetFilter_SwitchesSubscription(t *testing.T) {
	h := newTestHub(t)
	c := newTestClient("c", 8)
	c.filter = "0xAA"
	h.Subscribe(c)
	waitForClients(t, h, 1)

	h.setFilter(c, "0xBB")
	h.Publish(EventDecision, "0xAA", nil)
	expectNothing(t, c)

	h.Publish(EventDecision, "0xBB", nil)
	if ev := recv(t, c); ev.AgentID != "0xBB" {
		t.Errorf("got agent %s after filter change, want 0xBB", ev.AgentID)
	}

	// Empty filter means all agents again.
	h.setFilter(c, "")
	h.Publish(EventDecision, "0xAA", nil)
	if ev := recv(t, c); ev.AgentID != "0xAA" {
		t.Errorf("got agent %s with empty filter, want 0xAA", ev.AgentID)
	}
}

func TestDeliver_DropsFullSubscriber(t *testing.T) {
	h := newTestHub(t)
	stuck := newTestClient("stuck", 1)
	healthy := newTestClient("healthy", 8)
	h.Subscribe(stuck)
	h.Subscribe(healthy)
	waitForClients(t, h, 2)

	// The first event fills the stuck client's buffer; the second one
	// cannot be queued and evicts it. The healthy client sees both.
	h.Publish(EventHeartbeat, "0xAA", nil)
	h.Publish(EventHeartbeat, "0xAA", nil)

	recv(t, healthy)
	recv(t, healthy)
	waitForClients(t, h, 1)

	// Eviction closed the send channel after the one buffered event.
	<-stuck.Send
	if _, ok := <-stuck.Send; ok {
		t.Error("stuck client send channel not closed after eviction")
	}
}

func TestUnsubscribe(t *testing.T) {
	h := newTestHub(t)
	c := newTestClient("c", 8)
	h.Subscribe(c)
	waitForClients(t, h, 1)

	h.Unsubscribe(c)
	waitForClients(t, h, 0)

	if _, ok := <-c.Send; ok {
		t.Error("send channel not closed on unsubscribe")
	}

	// Repeated unsubscribe for the same client is a no-op.
	h.Unsubscribe(c)
	waitForClients(t, h, 0)
}

func TestStop_DisconnectsSubscribers(t *testing.T) {
	h := NewHub("test-secret", nil)
	go h.Run()

	c := newTestClient("c", 8)
	h.Subscribe(c)
	waitForClients(t, h, 1)

	h.Stop()
	waitForClients(t, h, 0)

	// Publish after shutdown must not block.
	done := make(chan struct{})
	go func() {
		h.Publish(EventHeartbeat, "0xAA", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Stop")
	}
}

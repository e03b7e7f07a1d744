package inference

import (
	"context"
	"testing"
	"time"
)

func TestRegistryRouteInOrder(t *testing.T) {
	r := newSessionRegistry()
	d, _ := r.attach("s1")

	for _, content := range []string{"a", "b", "c"} {
		if !r.route(context.Background(), "s1", &Frame{Op: opToken, SessionID: "s1", Content: content}) {
			t.Fatalf("route rejected frame %q", content)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		fr := <-d.frames
		if fr.Content != want {
			t.Errorf("got %q, want %q", fr.Content, want)
		}
	}
}

func TestRegistryRouteUnknownSession(t *testing.T) {
	r := newSessionRegistry()
	if r.route(context.Background(), "nope", &Frame{Op: opToken, SessionID: "nope"}) {
		t.Error("route should return false for unknown session")
	}
}

func TestRegistryAttachRejectsLiveDelivery(t *testing.T) {
	r := newSessionRegistry()
	if _, ok := r.attach("s1"); !ok {
		t.Fatal("first attach should succeed")
	}
	if d, ok := r.attach("s1"); ok || d != nil {
		t.Error("second attach should be refused while the delivery is live")
	}

	// The session is free again once the consumer detaches.
	r.detach("s1")
	if _, ok := r.attach("s1"); !ok {
		t.Error("attach should succeed after detach")
	}
}

func TestRegistryDetachReleasesBlockedRouter(t *testing.T) {
	r := newSessionRegistry()
	r.attach("s1")

	// Fill the buffer so the next route blocks.
	for i := 0; i < deliveryBuffer; i++ {
		if !r.route(context.Background(), "s1", &Frame{Op: opToken, SessionID: "s1"}) {
			t.Fatal("route failed while filling buffer")
		}
	}

	routed := make(chan bool, 1)
	go func() {
		routed <- r.route(context.Background(), "s1", &Frame{Op: opToken, SessionID: "s1"})
	}()

	select {
	case <-routed:
		t.Fatal("route should block on a full delivery")
	case <-time.After(50 * time.Millisecond):
	}

	r.detach("s1")

	select {
	case ok := <-routed:
		if ok {
			t.Error("route should report the frame dropped after detach")
		}
	case <-time.After(time.Second):
		t.Fatal("route still blocked after detach")
	}
}

func TestRegistryDetachAbsentIsSafe(t *testing.T) {
	r := newSessionRegistry()
	r.detach("never-attached")
}

func TestRegistryCloseAllSignalsLoss(t *testing.T) {
	r := newSessionRegistry()
	d1, _ := r.attach("s1")
	d2, _ := r.attach("s2")

	r.route(context.Background(), "s1", &Frame{Op: opToken, SessionID: "s1", Content: "x"})
	r.closeAll()

	// Frames routed before the close are still delivered, then the close
	// is observed.
	fr, ok := <-d1.frames
	if !ok || fr.Content != "x" {
		t.Errorf("expected buffered frame before close, got %+v ok=%v", fr, ok)
	}
	if _, ok := <-d1.frames; ok {
		t.Error("d1 should be closed")
	}
	if _, ok := <-d2.frames; ok {
		t.Error("d2 should be closed")
	}

	if r.active("s1") || r.active("s2") {
		t.Error("closeAll should clear the registry")
	}
}

func TestRegistryUserBindings(t *testing.T) {
	r := newSessionRegistry()

	if _, ok := r.lookupUser("u1"); ok {
		t.Error("unexpected binding for unknown user")
	}

	r.rememberUser("u1", "s1")
	if sessionID, ok := r.lookupUser("u1"); !ok || sessionID != "s1" {
		t.Errorf("lookupUser = %q, %v; want s1, true", sessionID, ok)
	}

	// Bindings survive delivery teardown; only forgetUser clears them.
	r.attach("s1")
	r.closeAll()
	if sessionID, ok := r.lookupUser("u1"); !ok || sessionID != "s1" {
		t.Error("user binding should survive closeAll")
	}

	r.forgetUser("u1")
	if _, ok := r.lookupUser("u1"); ok {
		t.Error("binding should be gone after forgetUser")
	}
}

package realtime

import (
	"testing"

	v1 "shuttlechat/shared/contracts/chat/v1"
)

func TestHubPushMultiSession(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)

	a1 := NewClient("drv-1", "sess-a1", 4)
	a2 := NewClient("drv-1", "sess-a2", 4)
	b := NewClient("stu-1", "sess-b", 4)
	h.Add(a1)
	h.Add(a2)
	h.Add(b)

	env := v1.Envelope{V: v1.Version, Type: v1.TypeMessageNew, ID: "env-1"}
	h.Push([]string{"drv-1"}, env)

	for _, c := range []*Client{a1, a2} {
		select {
		case got := <-c.Send:
			if got.ID != "env-1" {
				t.Fatalf("session %s got envelope %s", c.SessionID, got.ID)
			}
		default:
			t.Fatalf("session %s received nothing", c.SessionID)
		}
	}
	select {
	case got := <-b.Send:
		t.Fatalf("unaddressed user received envelope %s", got.ID)
	default:
	}
}

func TestHubPushSkipsFullAndClosed(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)

	full := NewClient("drv-1", "sess-full", 1)
	closed := NewClient("drv-1", "sess-closed", 4)
	h.Add(full)
	h.Add(closed)

	full.Send <- v1.Envelope{ID: "filler"}
	closed.Close()

	// Must not block even though one queue is full and one session is down.
	h.Push([]string{"drv-1"}, v1.Envelope{ID: "env-2"})

	if got := <-full.Send; got.ID != "filler" {
		t.Fatalf("full queue head = %s, want filler", got.ID)
	}
	select {
	case got := <-closed.Send:
		t.Fatalf("closed session received envelope %s", got.ID)
	default:
	}
}

func TestHubRemove(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)

	c1 := NewClient("drv-1", "sess-1", 4)
	c2 := NewClient("drv-1", "sess-2", 4)
	h.Add(c1)
	h.Add(c2)
	h.Remove("drv-1", "sess-1")

	h.Push([]string{"drv-1"}, v1.Envelope{ID: "env-3"})

	select {
	case got := <-c1.Send:
		t.Fatalf("removed session received envelope %s", got.ID)
	default:
	}
	select {
	case got := <-c2.Send:
		if got.ID != "env-3" {
			t.Fatalf("remaining session got %s", got.ID)
		}
	default:
		t.Fatal("remaining session received nothing")
	}

	// Removing the last session then an unknown one must not panic.
	h.Remove("drv-1", "sess-2")
	h.Remove("drv-1", "sess-x")
	h.Push([]string{"drv-1"}, v1.Envelope{ID: "env-4"})
}

func TestClientCloseIdempotent(t *testing.T) {
	t.Parallel()
	c := NewClient("drv-1", "sess-1", 4)
	c.Close()
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

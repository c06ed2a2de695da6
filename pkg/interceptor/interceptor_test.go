package interceptor

import (
	"errors"
	"testing"
)

func TestRunMessagePriorityOrderAndModification(t *testing.T) {
	r := NewRegistry(nil)

	// Registered out of priority order on purpose.
	r.RegisterMessage("b/second", 20, func(action string, params map[string]any, _ string) (Result, error) {
		if params["text"] != "first" {
			t.Fatalf("second interceptor saw %v, want output of first", params["text"])
		}
		modified := map[string]any{"text": "second"}
		return Modify(modified), nil
	})
	r.RegisterMessage("a/first", 10, func(action string, params map[string]any, _ string) (Result, error) {
		if params["text"] != "original" {
			t.Fatalf("first interceptor saw %v, want original", params["text"])
		}
		return Modify(map[string]any{"text": "first"}), nil
	})

	allowed, out, _ := r.RunMessage("send_group_msg", map[string]any{"text": "original"}, "src/plugin")
	if !allowed {
		t.Fatal("expected chain to allow")
	}
	if out["text"] != "second" {
		t.Fatalf("final text = %v, want second", out["text"])
	}
}

func TestRunMessageBlockShortCircuits(t *testing.T) {
	r := NewRegistry(nil)

	ranLater := false
	r.RegisterMessage("guard/blocker", 1, func(string, map[string]any, string) (Result, error) {
		return Block("profanity filter"), nil
	})
	r.RegisterMessage("later/observer", 2, func(string, map[string]any, string) (Result, error) {
		ranLater = true
		return Pass(), nil
	})

	allowed, _, reason := r.RunMessage("send_msg", map[string]any{}, "")
	if allowed {
		t.Fatal("expected block")
	}
	if reason != "profanity filter" {
		t.Fatalf("reason = %q", reason)
	}
	if ranLater {
		t.Fatal("interceptor after the blocker must not run")
	}
}

func TestFailingInterceptorIsPassThrough(t *testing.T) {
	r := NewRegistry(nil)

	r.RegisterEvent("bad/errors", 1, func(string, map[string]any, string) (Result, error) {
		return Result{}, errors.New("boom")
	})
	r.RegisterEvent("bad/panics", 2, func(string, map[string]any, string) (Result, error) {
		panic("boom")
	})

	allowed, out, _ := r.RunEvent("onebot.message", map[string]any{"raw_message": "hi"}, "gateway")
	if !allowed {
		t.Fatal("failing interceptors must not block")
	}
	if out["raw_message"] != "hi" {
		t.Fatalf("payload = %v, want unchanged", out)
	}
}

func TestEqualPriorityKeepsInsertionOrder(t *testing.T) {
	r := NewRegistry(nil)

	var order []string
	for _, id := range []string{"x/a", "x/b", "x/c"} {
		id := id
		r.RegisterMessage(id, 100, func(string, map[string]any, string) (Result, error) {
			order = append(order, id)
			return Pass(), nil
		})
	}

	r.RunMessage("send_msg", map[string]any{}, "")
	if len(order) != 3 || order[0] != "x/a" || order[1] != "x/b" || order[2] != "x/c" {
		t.Fatalf("order = %v", order)
	}
}

func TestUnregisterPluginRemovesBothChains(t *testing.T) {
	r := NewRegistry(nil)

	r.RegisterMessage("gone/plugin", 1, func(string, map[string]any, string) (Result, error) {
		return Block("should be gone"), nil
	})
	r.RegisterEvent("gone/plugin", 1, func(string, map[string]any, string) (Result, error) {
		return Block("should be gone"), nil
	})
	r.RegisterMessage("kept/plugin", 1, func(string, map[string]any, string) (Result, error) {
		return Pass(), nil
	})

	r.UnregisterPlugin("gone/plugin")

	messages, events := r.Counts()
	if messages != 1 || events != 0 {
		t.Fatalf("counts = %d/%d, want 1/0", messages, events)
	}
	if allowed, _, _ := r.RunMessage("send_msg", map[string]any{}, ""); !allowed {
		t.Fatal("removed interceptor still blocking")
	}
}

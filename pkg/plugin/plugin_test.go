package plugin

import (
	"context"
	"testing"

	"ruabot/pkg/protocol"
)

type fakeAPI struct {
	calls  []string
	params []map[string]any
	result map[string]any
	config map[string]any
}

func (f *fakeAPI) Log(level, message string) {}

func (f *fakeAPI) CallAPI(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, action)
	f.params = append(f.params, params)
	return f.result, nil
}

func (f *fakeAPI) Config() map[string]any { return f.config }

func (f *fakeAPI) SetConfig(key string, value any) {
	if f.config == nil {
		f.config = make(map[string]any)
	}
	f.config[key] = value
}

type noopPlugin struct{}

func (noopPlugin) OnLoad(ctx context.Context) error   { return nil }
func (noopPlugin) OnUnload(ctx context.Context) error { return nil }
func (noopPlugin) OnEvent(ctx context.Context, name string, data map[string]any) error {
	return nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()

	info := Info{
		Author: "ruabot",
		Name:   "echo",
		New:    func(api API, config map[string]any) Plugin { return noopPlugin{} },
	}
	if err := reg.Register(info); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := reg.Lookup("echo")
	if !ok {
		t.Fatal("Lookup() did not find registered plugin")
	}
	if got.ID() != "ruabot/echo" {
		t.Errorf("ID() = %q, want %q", got.ID(), "ruabot/echo")
	}

	if _, ok := reg.Lookup("missing"); ok {
		t.Error("Lookup() found unregistered plugin")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	info := Info{
		Author: "a",
		Name:   "dup",
		New:    func(api API, config map[string]any) Plugin { return noopPlugin{} },
	}
	if err := reg.Register(info); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := reg.Register(info); err == nil {
		t.Error("second Register() did not fail")
	}
}

func TestRegistryValidation(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(Info{Author: "a"}); err == nil {
		t.Error("Register() accepted empty name")
	}
	if err := reg.Register(Info{Author: "a", Name: "b"}); err == nil {
		t.Error("Register() accepted nil constructor")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	ctor := func(api API, config map[string]any) Plugin { return noopPlugin{} }
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(Info{Author: "a", Name: name, New: ctor}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	got := reg.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("Names() returned %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMergeConfigSuppliedWins(t *testing.T) {
	defaults := map[string]any{"a": 1, "b": "keep"}
	supplied := map[string]any{"a": 2, "c": true}

	merged := MergeConfig(defaults, supplied)

	if merged["a"] != 2 {
		t.Errorf("merged[a] = %v, want 2", merged["a"])
	}
	if merged["b"] != "keep" {
		t.Errorf("merged[b] = %v, want keep", merged["b"])
	}
	if merged["c"] != true {
		t.Errorf("merged[c] = %v, want true", merged["c"])
	}
}

func TestSendGroupMsgParams(t *testing.T) {
	api := &fakeAPI{result: map[string]any{"message_id": "42"}}

	data, err := SendGroupMsg(context.Background(), api, "100", protocol.NewMessage().Text("hi"))
	if err != nil {
		t.Fatalf("SendGroupMsg() error = %v", err)
	}
	if data["message_id"] != "42" {
		t.Errorf("message_id = %v, want 42", data["message_id"])
	}

	if len(api.calls) != 1 || api.calls[0] != "send_group_msg" {
		t.Fatalf("calls = %v, want [send_group_msg]", api.calls)
	}
	if api.params[0]["group_id"] != "100" {
		t.Errorf("group_id = %v, want 100", api.params[0]["group_id"])
	}
}

func TestSendMsgRoutesByType(t *testing.T) {
	api := &fakeAPI{}

	if _, err := SendMsg(context.Background(), api, "group", "7", protocol.NewMessage().Text("a")); err != nil {
		t.Fatalf("SendMsg(group) error = %v", err)
	}
	if api.params[0]["group_id"] != "7" {
		t.Errorf("group params = %v, want group_id=7", api.params[0])
	}

	if _, err := SendMsg(context.Background(), api, "private", "9", protocol.NewMessage().Text("b")); err != nil {
		t.Fatalf("SendMsg(private) error = %v", err)
	}
	if api.params[1]["user_id"] != "9" {
		t.Errorf("private params = %v, want user_id=9", api.params[1])
	}
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/kestrelworks/starhost/internal/audit"
	"github.com/kestrelworks/starhost/internal/config"
	"github.com/kestrelworks/starhost/internal/dispatch/mocks"
	"github.com/kestrelworks/starhost/internal/events"
	"github.com/kestrelworks/starhost/internal/log"
	"github.com/kestrelworks/starhost/internal/plugin"
	"github.com/kestrelworks/starhost/internal/protocol"
	"github.com/kestrelworks/starhost/internal/state"
	"github.com/kestrelworks/starhost/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("error", "text")
	os.Exit(m.Run())
}

func testPlugin(name string, commands ...string) *plugin.Plugin {
	p := &plugin.Plugin{
		Name:       name,
		Entrypoint: "/opt/plugins/" + name + "/run",
		Protocol:   protocol.Version,
		Version:    "1.0.0",
		Origin:     plugin.OriginCore,
	}
	for _, c := range commands {
		p.Commands = append(p.Commands, plugin.Command{Name: c})
	}
	return p
}

func newTestDispatcher(t *testing.T, runner Runner, plugins ...*plugin.Plugin) (*Dispatcher, *audit.Log) {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "host.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg := plugin.NewRegistry()
	for _, p := range plugins {
		if err := reg.Add(p); err != nil {
			t.Fatalf("register %q: %v", p.Name, err)
		}
	}

	aud := audit.New(db)
	d := New(reg, runner, state.NewStore(db), aud, events.NewHub(16), config.Defaults())
	return d, aud
}

func okResp(verdict protocol.Verdict) *protocol.Response {
	return &protocol.Response{Status: "ok", Verdict: verdict}
}

func TestBroadcastApprovedWhenNobodyVetoes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	runner := mocks.NewMockRunner(ctrl)

	motd := testPlugin("motd", "on_connect")
	filter := testPlugin("chat_filter", "on_connect")
	d, aud := newTestDispatcher(t, runner, motd, filter)

	// One explicit approve, one omitted verdict; both are non-blocking.
	runner.EXPECT().Run(gomock.Any(), motd.Entrypoint, gomock.Any(), gomock.Any()).
		Return(okResp(protocol.VerdictApprove), "", nil)
	runner.EXPECT().Run(gomock.Any(), filter.Entrypoint, gomock.Any(), gomock.Any()).
		Return(okResp(""), "", nil)

	out, err := d.Broadcast(context.Background(), "on_connect", map[string]any{"account": "kyren"}, &protocol.Session{ID: "s-1"})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if !out.Approved {
		t.Error("broadcast should be approved")
	}
	if out.VetoedBy != "" {
		t.Errorf("VetoedBy = %q", out.VetoedBy)
	}
	if len(out.Results) != 2 {
		t.Fatalf("results = %d", len(out.Results))
	}
	if out.Results[1].Verdict != protocol.VerdictApprove {
		t.Errorf("omitted verdict should normalize to approve, got %q", out.Results[1].Verdict)
	}

	entries, err := aud.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Approved == nil || !*entries[0].Approved {
		t.Errorf("audit entry should record approval: %+v", entries)
	}
}

func TestBroadcastVetoFoldsFalse(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	runner := mocks.NewMockRunner(ctrl)

	motd := testPlugin("motd", "on_chat")
	filter := testPlugin("chat_filter", "on_chat")
	greeter := testPlugin("greeter", "on_chat")
	d, _ := newTestDispatcher(t, runner, motd, filter, greeter)

	runner.EXPECT().Run(gomock.Any(), motd.Entrypoint, gomock.Any(), gomock.Any()).
		Return(okResp(protocol.VerdictApprove), "", nil)
	runner.EXPECT().Run(gomock.Any(), filter.Entrypoint, gomock.Any(), gomock.Any()).
		Return(okResp(protocol.VerdictVeto), "", nil)
	// Remaining plugins still run after a veto; there is no short-circuit.
	runner.EXPECT().Run(gomock.Any(), greeter.Entrypoint, gomock.Any(), gomock.Any()).
		Return(okResp(protocol.VerdictApprove), "", nil)

	out, err := d.Broadcast(context.Background(), "on_chat", nil, nil)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if out.Approved {
		t.Error("veto must turn the aggregate false")
	}
	if out.VetoedBy != "chat_filter" {
		t.Errorf("VetoedBy = %q", out.VetoedBy)
	}
	if len(out.Results) != 3 {
		t.Errorf("results = %d, all plugins should be consulted", len(out.Results))
	}
}

func TestBroadcastUndeclaredCommandAbstains(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	runner := mocks.NewMockRunner(ctrl)

	// Declares on_chat only; no expectation set, so a spawn would fail the test.
	silent := testPlugin("motd", "on_chat")
	d, _ := newTestDispatcher(t, runner, silent)

	out, err := d.Broadcast(context.Background(), "on_death", nil, nil)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if !out.Approved {
		t.Error("abstain is non-blocking")
	}
	if len(out.Results) != 1 || out.Results[0].Verdict != protocol.VerdictAbstain {
		t.Errorf("results = %+v", out.Results)
	}
}

func TestBroadcastInvocationFailureAborts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	runner := mocks.NewMockRunner(ctrl)

	a := testPlugin("aa_first", "on_tick")
	b := testPlugin("bb_broken", "on_tick")
	c := testPlugin("cc_never", "on_tick")
	d, aud := newTestDispatcher(t, runner, a, b, c)

	runner.EXPECT().Run(gomock.Any(), a.Entrypoint, gomock.Any(), gomock.Any()).
		Return(okResp(protocol.VerdictApprove), "", nil)
	runner.EXPECT().Run(gomock.Any(), b.Entrypoint, gomock.Any(), gomock.Any()).
		Return(nil, "boom", errors.New("spawn failed"))
	// cc_never must not be invoked after the abort.

	_, err := d.Broadcast(context.Background(), "on_tick", nil, nil)
	if err == nil {
		t.Fatal("expected broadcast abort")
	}

	entries, err := aud.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Approved != nil {
		t.Error("aborted broadcast must not record an aggregate verdict")
	}
	if entries[0].Error == "" {
		t.Error("aborted broadcast should record the failure")
	}
	if len(entries[0].Results) != 1 {
		t.Errorf("verdicts collected before the abort should persist, got %d", len(entries[0].Results))
	}
}

func TestBroadcastPluginErrorStatusAborts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	runner := mocks.NewMockRunner(ctrl)

	p := testPlugin("motd", "on_chat")
	d, _ := newTestDispatcher(t, runner, p)

	runner.EXPECT().Run(gomock.Any(), p.Entrypoint, gomock.Any(), gomock.Any()).
		Return(&protocol.Response{Status: "error", Error: "bad config"}, "", nil)

	if _, err := d.Broadcast(context.Background(), "on_chat", nil, nil); err == nil {
		t.Fatal("error status should abort the broadcast")
	}
}

func TestBroadcastRejectsLifecycleCommands(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	runner := mocks.NewMockRunner(ctrl)
	d, _ := newTestDispatcher(t, runner, testPlugin("motd", "on_chat"))

	for _, cmd := range []string{"activate", "deactivate", "Activate"} {
		if _, err := d.Broadcast(context.Background(), cmd, nil, nil); err == nil {
			t.Errorf("command %q should be rejected", cmd)
		}
	}
}

func TestBroadcastCarriesSessionAndState(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	runner := mocks.NewMockRunner(ctrl)

	p := testPlugin("counter", "on_chat")
	d, _ := newTestDispatcher(t, runner, p)
	ctx := context.Background()

	runner.EXPECT().Run(gomock.Any(), p.Entrypoint, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, req *protocol.Request, _ time.Duration) (*protocol.Response, string, error) {
			if req.Protocol != protocol.Version {
				t.Errorf("protocol = %d", req.Protocol)
			}
			if req.Session == nil || req.Session.ID != "s-9" || req.Session.RemoteAddr != "10.0.0.5:1234" {
				t.Errorf("session = %+v", req.Session)
			}
			if req.DeadlineAt.IsZero() {
				t.Error("deadline missing")
			}
			return &protocol.Response{Status: "ok", StateUpdates: map[string]any{"seen": float64(1)}}, "", nil
		})

	sess := &protocol.Session{ID: "s-9", RemoteAddr: "10.0.0.5:1234"}
	if _, err := d.Broadcast(ctx, "on_chat", nil, sess); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	// State updates from the response must be visible to the next spawn.
	runner.EXPECT().Run(gomock.Any(), p.Entrypoint, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, req *protocol.Request, _ time.Duration) (*protocol.Response, string, error) {
			if req.State["seen"] != float64(1) {
				t.Errorf("state = %v", req.State)
			}
			return &protocol.Response{Status: "ok"}, "", nil
		})
	if _, err := d.Broadcast(ctx, "on_chat", nil, sess); err != nil {
		t.Fatalf("second Broadcast: %v", err)
	}
}

func TestBroadcastPassesDependencyRefs(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	runner := mocks.NewMockRunner(ctrl)

	userManager := testPlugin("user_manager", "on_chat")
	warp := testPlugin("warp", "on_chat")
	warp.Depends = []string{"user_manager"}
	warp.Deps = map[string]*plugin.Plugin{"user_manager": userManager}

	d, _ := newTestDispatcher(t, runner, userManager, warp)

	runner.EXPECT().Run(gomock.Any(), userManager.Entrypoint, gomock.Any(), gomock.Any()).
		Return(okResp(""), "", nil)
	runner.EXPECT().Run(gomock.Any(), warp.Entrypoint, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, req *protocol.Request, _ time.Duration) (*protocol.Response, string, error) {
			ref, ok := req.Depends["user_manager"]
			if !ok {
				t.Fatalf("depends = %+v", req.Depends)
			}
			if ref.Name != "user_manager" || ref.Version != "1.0.0" {
				t.Errorf("ref = %+v", ref)
			}
			return okResp(""), "", nil
		})

	if _, err := d.Broadcast(context.Background(), "on_chat", nil, nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
}

func TestBroadcastRepeatIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	runner := mocks.NewMockRunner(ctrl)

	motd := testPlugin("motd", "on_chat")
	filter := testPlugin("chat_filter", "on_chat")
	silent := testPlugin("warp", "on_join")
	d, _ := newTestDispatcher(t, runner, motd, filter, silent)

	// Side-effect-free plugins: fixed verdicts, no state updates.
	runner.EXPECT().Run(gomock.Any(), motd.Entrypoint, gomock.Any(), gomock.Any()).
		Return(okResp(protocol.VerdictApprove), "", nil).Times(2)
	runner.EXPECT().Run(gomock.Any(), filter.Entrypoint, gomock.Any(), gomock.Any()).
		Return(okResp(protocol.VerdictVeto), "", nil).Times(2)

	data := map[string]any{"message": "hi"}
	first, err := d.Broadcast(context.Background(), "on_chat", data, nil)
	if err != nil {
		t.Fatalf("first Broadcast: %v", err)
	}
	second, err := d.Broadcast(context.Background(), "on_chat", data, nil)
	if err != nil {
		t.Fatalf("second Broadcast: %v", err)
	}

	if first.Approved != second.Approved {
		t.Errorf("approved = %v then %v", first.Approved, second.Approved)
	}
	if first.VetoedBy != second.VetoedBy {
		t.Errorf("vetoed_by = %q then %q", first.VetoedBy, second.VetoedBy)
	}
	if len(first.Results) != len(second.Results) {
		t.Fatalf("results = %d then %d", len(first.Results), len(second.Results))
	}
	for i := range first.Results {
		if first.Results[i].Plugin != second.Results[i].Plugin ||
			first.Results[i].Verdict != second.Results[i].Verdict {
			t.Errorf("result[%d] = %s/%s then %s/%s", i,
				first.Results[i].Plugin, first.Results[i].Verdict,
				second.Results[i].Plugin, second.Results[i].Verdict)
		}
	}
}

func TestBroadcastTimeoutSurfacesAsAbort(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	runner := mocks.NewMockRunner(ctrl)

	p := testPlugin("slow", "on_tick")
	d, _ := newTestDispatcher(t, runner, p)

	runner.EXPECT().Run(gomock.Any(), p.Entrypoint, gomock.Any(), gomock.Any()).
		Return(nil, "", context.DeadlineExceeded)

	_, err := d.Broadcast(context.Background(), "on_tick", nil, nil)
	if err == nil {
		t.Fatal("expected timeout abort")
	}
	want := fmt.Sprintf("timed out after %v", config.DefaultTimeouts().Command)
	if got := err.Error(); !strings.Contains(got, want) {
		t.Errorf("error %q should mention %q", got, want)
	}
}

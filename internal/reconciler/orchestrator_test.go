package reconciler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"palisade/internal/config"
	"palisade/internal/decision"
	"palisade/internal/edge"
	"palisade/internal/state"
	"palisade/internal/vcl"
)

type fakeFeed struct {
	events []decision.Event
	err    error
	pulls  []bool
}

func (f *fakeFeed) Pull(_ context.Context, full bool) ([]decision.Event, error) {
	f.pulls = append(f.pulls, full)
	return f.events, f.err
}

// recordingAPI is a minimal in-memory edge provider shared by one account's
// services.
type recordingAPI struct {
	calls []string
	fail  error

	activeVersion string
	versionSeq    int
	containerSeq  int
	containers    map[string]map[string]struct{}
}

func newRecordingAPI() *recordingAPI {
	return &recordingAPI{
		activeVersion: "1",
		versionSeq:    1,
		containers:    make(map[string]map[string]struct{}),
	}
}

func (r *recordingAPI) record(op string) error {
	r.calls = append(r.calls, op)
	return r.fail
}

func (r *recordingAPI) count(prefix string) int {
	n := 0
	for _, call := range r.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func (r *recordingAPI) members() map[string]struct{} {
	out := make(map[string]struct{})
	for _, set := range r.containers {
		for member := range set {
			out[member] = struct{}{}
		}
	}
	return out
}

func (r *recordingAPI) ReadActiveVersion(_ context.Context, _ string) (string, error) {
	if err := r.record("read_active"); err != nil {
		return "", err
	}
	return r.activeVersion, nil
}

func (r *recordingAPI) CloneVersion(_ context.Context, _, _ string) (string, error) {
	if err := r.record("clone"); err != nil {
		return "", err
	}
	r.versionSeq++
	return strconv.Itoa(r.versionSeq), nil
}

func (r *recordingAPI) CreateContainer(_ context.Context, _, _, name string) (string, error) {
	if err := r.record("create_container:" + name); err != nil {
		return "", err
	}
	r.containerSeq++
	id := fmt.Sprintf("acl-%d", r.containerSeq)
	r.containers[id] = make(map[string]struct{})
	return id, nil
}

func (r *recordingAPI) ReadContainer(_ context.Context, _, containerID string) (map[string]struct{}, error) {
	if err := r.record("read_container"); err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(r.containers[containerID]))
	for member := range r.containers[containerID] {
		out[member] = struct{}{}
	}
	return out, nil
}

func (r *recordingAPI) WriteContainer(_ context.Context, _, containerID string, additions, removals []string) error {
	if err := r.record("write_container"); err != nil {
		return err
	}
	set := r.containers[containerID]
	for _, member := range removals {
		delete(set, member)
	}
	for _, member := range additions {
		set[member] = struct{}{}
	}
	return nil
}

func (r *recordingAPI) UpdateSnippet(_ context.Context, _, _ string, snippet vcl.Snippet) error {
	return r.record("update_snippet:" + snippet.Name)
}

func (r *recordingAPI) ActivateVersion(_ context.Context, _, version string) error {
	if err := r.record("activate"); err != nil {
		return err
	}
	r.activeVersion = version
	return nil
}

func testCfg(accounts ...config.Account) config.Config {
	cfg := config.Config{
		UpdateFrequency:       config.Duration{Duration: 10 * time.Millisecond},
		FullReconcileInterval: config.Duration{Duration: time.Hour},
		Workers:               2,
		Accounts:              accounts,
	}
	return cfg
}

func testAccount(name string, serviceIDs ...string) config.Account {
	account := config.Account{Name: name, Token: "token-" + name}
	for _, id := range serviceIDs {
		account.Services = append(account.Services, config.Service{
			ID:            id,
			Activate:      true,
			MaxItems:      10,
			MaxContainers: 2,
		})
	}
	return account
}

func newTestOrchestrator(t *testing.T, cfg config.Config, feed Feed, apis map[string]edge.API) (*Orchestrator, *state.Store) {
	t.Helper()
	store := state.NewStore(filepath.Join(t.TempDir(), "cache.json"))
	factory := func(account config.Account) edge.API { return apis[account.Name] }
	o, err := New(cfg, feed, factory, store, nil)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o, store
}

func banEvent(value string) decision.Event {
	return decision.Event{Kind: decision.EventAdd, Value: value, Action: "ban", Origin: "test"}
}

func TestCycleEnforcesDecisions(t *testing.T) {
	api := newRecordingAPI()
	feed := &fakeFeed{events: []decision.Event{banEvent("192.0.2.1"), banEvent("FR")}}
	cfg := testCfg(testAccount("main", "svc-1"))
	o, store := newTestOrchestrator(t, cfg, feed, map[string]edge.API{"main": api})

	o.cycle(context.Background(), true)

	if len(feed.pulls) != 1 || !feed.pulls[0] {
		t.Fatalf("startup cycle must pull the full set, pulls: %v", feed.pulls)
	}
	if api.count("create_container:palisade_ban_address_0") != 1 {
		t.Fatalf("ban container not created, calls: %v", api.calls)
	}
	if _, ok := api.members()["192.0.2.1"]; !ok {
		t.Fatal("banned address not written to the edge")
	}
	if api.count("update_snippet:palisade_ban_rule") != 1 {
		t.Fatalf("ban rule not written, calls: %v", api.calls)
	}
	if api.count("activate") != 1 {
		t.Fatalf("version not activated, calls: %v", api.calls)
	}

	doc, err := store.Load()
	if err != nil {
		t.Fatalf("load cache: %v", err)
	}
	svc, ok := doc.Services["svc-1"]
	if !ok {
		t.Fatal("cycle must persist service state")
	}
	if svc.ActiveVersion == "" {
		t.Fatalf("activated version missing from cache: %+v", svc)
	}
}

func TestServiceFailureDoesNotBlockOthers(t *testing.T) {
	good := newRecordingAPI()
	bad := newRecordingAPI()
	bad.fail = errors.New("edge down")

	feed := &fakeFeed{events: []decision.Event{banEvent("192.0.2.1")}}
	cfg := testCfg(testAccount("good", "svc-good"), testAccount("bad", "svc-bad"))
	o, store := newTestOrchestrator(t, cfg, feed, map[string]edge.API{"good": good, "bad": bad})

	o.cycle(context.Background(), true)

	if good.count("activate") != 1 {
		t.Fatalf("healthy service must complete despite a failing peer, calls: %v", good.calls)
	}
	doc, err := store.Load()
	if err != nil {
		t.Fatalf("load cache: %v", err)
	}
	if _, ok := doc.Services["svc-good"]; !ok {
		t.Fatal("cache must be saved even with a failing service")
	}
}

func TestAuthFailureDisablesServiceUntilRestart(t *testing.T) {
	api := newRecordingAPI()
	api.fail = fmt.Errorf("token revoked: %w", edge.ErrAuth)

	feed := &fakeFeed{events: []decision.Event{banEvent("192.0.2.1")}}
	cfg := testCfg(testAccount("main", "svc-1"))
	o, _ := newTestOrchestrator(t, cfg, feed, map[string]edge.API{"main": api})

	o.cycle(context.Background(), true)
	if len(api.calls) == 0 {
		t.Fatal("first cycle must have attempted the service")
	}

	api.calls = nil
	api.fail = nil
	o.cycle(context.Background(), false)
	if len(api.calls) != 0 {
		t.Fatalf("unavailable service must not be retried, calls: %v", api.calls)
	}
}

func TestDeltaCycleAppliesRemovals(t *testing.T) {
	api := newRecordingAPI()
	feed := &fakeFeed{events: []decision.Event{banEvent("192.0.2.1"), banEvent("192.0.2.2")}}
	cfg := testCfg(testAccount("main", "svc-1"))
	o, _ := newTestOrchestrator(t, cfg, feed, map[string]edge.API{"main": api})

	o.cycle(context.Background(), true)

	feed.events = []decision.Event{{Kind: decision.EventDelete, Value: "192.0.2.1", Origin: "test"}}
	o.cycle(context.Background(), false)

	if len(feed.pulls) != 2 || feed.pulls[1] {
		t.Fatalf("second cycle must be a delta pull, pulls: %v", feed.pulls)
	}
	members := api.members()
	if _, ok := members["192.0.2.1"]; ok {
		t.Fatal("deleted decision still enforced")
	}
	if _, ok := members["192.0.2.2"]; !ok {
		t.Fatal("untouched decision lost during delta")
	}
}

func TestFullPullReplacesDecisionSet(t *testing.T) {
	api := newRecordingAPI()
	feed := &fakeFeed{events: []decision.Event{banEvent("192.0.2.1")}}
	cfg := testCfg(testAccount("main", "svc-1"))
	o, _ := newTestOrchestrator(t, cfg, feed, map[string]edge.API{"main": api})

	o.cycle(context.Background(), true)

	// The next full pull no longer mentions the first address: the set is
	// rebuilt from scratch so a missed deletion still converges.
	feed.events = []decision.Event{banEvent("192.0.2.9")}
	o.cycle(context.Background(), true)

	members := api.members()
	if _, ok := members["192.0.2.1"]; ok {
		t.Fatal("stale decision survived a full pull")
	}
	if _, ok := members["192.0.2.9"]; !ok {
		t.Fatal("new decision not enforced after full pull")
	}
}

func TestFeedFailureKeepsPreviousState(t *testing.T) {
	api := newRecordingAPI()
	feed := &fakeFeed{events: []decision.Event{banEvent("192.0.2.1")}}
	cfg := testCfg(testAccount("main", "svc-1"))
	o, _ := newTestOrchestrator(t, cfg, feed, map[string]edge.API{"main": api})

	o.cycle(context.Background(), true)
	api.calls = nil

	feed.err = errors.New("feed unavailable")
	o.cycle(context.Background(), false)

	if len(api.calls) != 0 {
		t.Fatalf("failed pull must not touch the edge, calls: %v", api.calls)
	}
	if _, ok := api.members()["192.0.2.1"]; !ok {
		t.Fatal("previous enforcement lost after feed failure")
	}
}

func TestCorruptCacheSchedulesFullReconcile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte("{ not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	api := newRecordingAPI()
	feed := &fakeFeed{}
	cfg := testCfg(testAccount("main", "svc-1"))
	store := state.NewStore(path)
	factory := func(account config.Account) edge.API { return api }
	o, err := New(cfg, feed, factory, store, nil)
	if err != nil {
		t.Fatalf("corrupt cache must not be fatal: %v", err)
	}

	o.cycle(context.Background(), false)
	if len(feed.pulls) != 1 || !feed.pulls[0] {
		t.Fatalf("corrupt cache must force a full pull, pulls: %v", feed.pulls)
	}
}

func TestRestoredServiceSkipsRedundantWrites(t *testing.T) {
	api := newRecordingAPI()
	feed := &fakeFeed{events: []decision.Event{banEvent("192.0.2.1")}}
	cfg := testCfg(testAccount("main", "svc-1"))
	o, store := newTestOrchestrator(t, cfg, feed, map[string]edge.API{"main": api})
	o.cycle(context.Background(), true)

	// A fresh orchestrator over the same cache resumes from the snapshot.
	// Its first cycle re-reads remote containers but finds nothing to write.
	factory := func(account config.Account) edge.API { return api }
	restarted, err := New(cfg, feed, factory, store, nil)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	api.calls = nil
	feed.events = []decision.Event{banEvent("192.0.2.1")}
	restarted.cycle(context.Background(), false)

	if api.count("write_container") != 0 || api.count("activate") != 0 {
		t.Fatalf("restored state must not be rewritten, calls: %v", api.calls)
	}
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adplabs/PigeonKeeper/internal/scheduler"
)

const fakeTaskType TaskType = "fake"

// fakePlugin records which tasks ran and how often, optionally failing a
// configured task id.
type fakePlugin struct {
	mu     sync.Mutex
	calls  map[string]int
	order  []string
	failID string
}

func newFakePlugin() *fakePlugin {
	return &fakePlugin{calls: make(map[string]int)}
}

func (p *fakePlugin) PluginType() TaskType { return fakeTaskType }

func (p *fakePlugin) Execute(_ context.Context, t TaskSpec, _ map[string]any) (map[string]any, error) {
	p.mu.Lock()
	p.calls[t.ID]++
	p.order = append(p.order, t.ID)
	p.mu.Unlock()

	if t.ID == p.failID {
		return nil, fmt.Errorf("task %s failed", t.ID)
	}
	return map[string]any{"task": t.ID}, nil
}

func (p *fakePlugin) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func newFakeEngine(plugin PluginExecutor, cache *ResultCache) *Engine {
	registry := NewPluginRegistry()
	registry.Register(plugin)
	return NewEngine(registry, cache, nil, nil)
}

func chainSpec(name string) WorkflowSpec {
	return WorkflowSpec{
		Name: name,
		Tasks: []TaskSpec{
			{ID: "a", Type: fakeTaskType},
			{ID: "b", Type: fakeTaskType, DependsOn: []string{"a"}},
			{ID: "c", Type: fakeTaskType, DependsOn: []string{"b"}},
		},
	}
}

func TestRunCampaignSuccess(t *testing.T) {
	plugin := newFakePlugin()
	engine := newFakeEngine(plugin, nil)

	rec, err := engine.RunCampaign(context.Background(), chainSpec("chain"), 1, true)
	if err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if rec.Error != "" {
		t.Fatalf("expected clean campaign, got error %q", rec.Error)
	}

	for _, id := range []string{"a", "b", "c"} {
		if rec.Final.States[id] != scheduler.Success {
			t.Fatalf("task %s: expected SUCCESS, got %s", id, rec.Final.States[id])
		}
		if plugin.callCount(id) != 1 {
			t.Fatalf("task %s: expected 1 invocation, got %d", id, plugin.callCount(id))
		}
	}

	plugin.mu.Lock()
	order := append([]string(nil), plugin.order...)
	plugin.mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("expected dependency order a, b, c; got %v", order)
	}

	// task outputs land in the shared results map
	if out, ok := rec.Final.Results["b"].(map[string]any); !ok || out["task"] != "b" {
		t.Fatalf("expected b's output in results, got %v", rec.Final.Results["b"])
	}
}

// barrierPlugin holds the tasks named in hold at a barrier until all of
// them have entered Execute, proving they ran concurrently.
type barrierPlugin struct {
	hold    map[string]bool
	entered chan string
	gate    chan struct{}
}

func (p *barrierPlugin) PluginType() TaskType { return fakeTaskType }

func (p *barrierPlugin) Execute(_ context.Context, t TaskSpec, _ map[string]any) (map[string]any, error) {
	if p.hold[t.ID] {
		p.entered <- t.ID
		<-p.gate
	}
	return map[string]any{"task": t.ID}, nil
}

func TestRunCampaignDiamondConcurrentBranches(t *testing.T) {
	plugin := &barrierPlugin{
		hold:    map[string]bool{"b": true, "c": true},
		entered: make(chan string, 2),
		gate:    make(chan struct{}),
	}
	engine := newFakeEngine(plugin, nil)

	spec := WorkflowSpec{
		Name: "diamond",
		Tasks: []TaskSpec{
			{ID: "a", Type: fakeTaskType},
			{ID: "b", Type: fakeTaskType, DependsOn: []string{"a"}},
			{ID: "c", Type: fakeTaskType, DependsOn: []string{"a"}},
			{ID: "d", Type: fakeTaskType, DependsOn: []string{"b", "c"}},
		},
	}

	overlapped := make(chan bool, 1)
	go func() {
		seen := 0
		timeout := time.After(2 * time.Second)
		for seen < 2 {
			select {
			case <-plugin.entered:
				seen++
			case <-timeout:
				overlapped <- false
				close(plugin.gate)
				return
			}
		}
		// both branches are inside Execute at this instant
		overlapped <- true
		close(plugin.gate)
	}()

	rec, err := engine.RunCampaign(context.Background(), spec, 0, true)
	if err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if !<-overlapped {
		t.Fatal("expected b and c to be in flight simultaneously")
	}
	if rec.Error != "" {
		t.Fatalf("expected clean campaign, got error %q", rec.Error)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if rec.Final.States[id] != scheduler.Success {
			t.Fatalf("task %s: expected SUCCESS, got %s", id, rec.Final.States[id])
		}
		if out, ok := rec.Final.Results[id].(map[string]any); !ok || out["task"] != id {
			t.Fatalf("task %s: expected output in shared results, got %v", id, rec.Final.Results[id])
		}
	}
}

func TestRunCampaignFailurePropagates(t *testing.T) {
	plugin := newFakePlugin()
	plugin.failID = "b"
	engine := newFakeEngine(plugin, nil)

	rec, err := engine.RunCampaign(context.Background(), chainSpec("failing"), 1, false)
	if err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if rec.Error == "" {
		t.Fatal("expected campaign error for failed task")
	}
	if rec.Final.States["a"] != scheduler.Success {
		t.Fatalf("expected a SUCCESS, got %s", rec.Final.States["a"])
	}
	if rec.Final.States["b"] != scheduler.Fail || rec.Final.States["c"] != scheduler.Fail {
		t.Fatalf("expected b and c FAIL, got b=%s c=%s", rec.Final.States["b"], rec.Final.States["c"])
	}
	if plugin.callCount("c") != 0 {
		t.Fatal("descendant of failed task must not execute")
	}
	if len(rec.Final.Failed) != 2 {
		t.Fatalf("expected failed bucket [b c], got %v", rec.Final.Failed)
	}
}

func TestRunCampaignAllowFailure(t *testing.T) {
	plugin := newFakePlugin()
	plugin.failID = "a"
	engine := newFakeEngine(plugin, nil)

	spec := WorkflowSpec{
		Name: "tolerant",
		Tasks: []TaskSpec{
			{ID: "a", Type: fakeTaskType, AllowFailure: true},
			{ID: "b", Type: fakeTaskType, DependsOn: []string{"a"}},
		},
	}
	rec, err := engine.RunCampaign(context.Background(), spec, 1, true)
	if err != nil {
		t.Fatalf("RunCampaign: %v", err)
	}
	if rec.Error != "" {
		t.Fatalf("allowed failure must not fail the campaign, got %q", rec.Error)
	}
	if rec.Final.States["b"] != scheduler.Success {
		t.Fatalf("expected b to run despite a's allowed failure, got %s", rec.Final.States["b"])
	}
	out, ok := rec.Final.Results["a"].(map[string]any)
	if !ok || out["allowed_failure"] != true {
		t.Fatalf("expected allowed_failure marker in a's output, got %v", rec.Final.Results["a"])
	}
}

func TestRunCampaignCacheShortCircuits(t *testing.T) {
	plugin := newFakePlugin()
	cache := NewResultCache(10, time.Minute)
	engine := newFakeEngine(plugin, cache)

	spec := WorkflowSpec{
		Name:  "cached",
		Tasks: []TaskSpec{{ID: "a", Type: fakeTaskType, Cacheable: true}},
	}

	for i := 0; i < 2; i++ {
		rec, err := engine.RunCampaign(context.Background(), spec, 0, true)
		if err != nil {
			t.Fatalf("RunCampaign #%d: %v", i+1, err)
		}
		if rec.Final.States["a"] != scheduler.Success {
			t.Fatalf("run #%d: expected SUCCESS, got %s", i+1, rec.Final.States["a"])
		}
	}

	if plugin.callCount("a") != 1 {
		t.Fatalf("expected second run served from cache, got %d executions", plugin.callCount("a"))
	}
}

func TestRunCampaignRejectsCycle(t *testing.T) {
	engine := newFakeEngine(newFakePlugin(), nil)

	spec := WorkflowSpec{
		Name: "cyclic",
		Tasks: []TaskSpec{
			{ID: "a", Type: fakeTaskType, DependsOn: []string{"b"}},
			{ID: "b", Type: fakeTaskType, DependsOn: []string{"a"}},
		},
	}
	_, err := engine.RunCampaign(context.Background(), spec, 0, true)
	if err == nil {
		t.Fatal("expected cyclic workflow to be rejected")
	}
	if !errors.Is(err, scheduler.ErrCyclicGraph) {
		t.Fatalf("expected ErrCyclicGraph, got %v", err)
	}
}

func TestRunCampaignUnknownDependency(t *testing.T) {
	engine := newFakeEngine(newFakePlugin(), nil)

	spec := WorkflowSpec{
		Name:  "dangling",
		Tasks: []TaskSpec{{ID: "a", Type: fakeTaskType, DependsOn: []string{"ghost"}}},
	}
	if _, err := engine.RunCampaign(context.Background(), spec, 0, true); err == nil {
		t.Fatal("expected error for dependency on an undeclared task")
	}
}

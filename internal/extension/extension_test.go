package extension_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vtuberkit/stagehand/internal/config"
	"github.com/vtuberkit/stagehand/internal/extension"
	"github.com/vtuberkit/stagehand/internal/registry"
	"github.com/vtuberkit/stagehand/pkg/provider"
	inputprov "github.com/vtuberkit/stagehand/pkg/provider/input"
	"github.com/vtuberkit/stagehand/pkg/vtuber"
)

// ── fakes ──

type fakeExt struct {
	info     extension.Info
	setupErr error
	inputs   []string

	mu       sync.Mutex
	setupSeq *[]string
	cleaned  bool
}

var _ extension.Extension = (*fakeExt)(nil)

func (e *fakeExt) Info() extension.Info { return e.info }

func (e *fakeExt) Setup(ctx context.Context, pctx provider.Context, cfg map[string]any) (extension.Providers, error) {
	if e.setupErr != nil {
		return extension.Providers{}, e.setupErr
	}
	e.mu.Lock()
	if e.setupSeq != nil {
		*e.setupSeq = append(*e.setupSeq, e.info.Name)
	}
	e.mu.Unlock()

	provs := extension.Providers{Inputs: map[string]registry.Factory[inputprov.Provider]{}}
	for _, name := range e.inputs {
		provs.Inputs[name] = func(cfg map[string]any, pctx provider.Context) (inputprov.Provider, error) {
			return &nullInput{}, nil
		}
	}
	return provs, nil
}

func (e *fakeExt) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleaned = true
	return nil
}

type nullInput struct{}

func (n *nullInput) Name() string { return "null" }
func (n *nullInput) Start(ctx context.Context) (<-chan vtuber.NormalizedMessage, error) {
	ch := make(chan vtuber.NormalizedMessage)
	close(ch)
	return ch, nil
}
func (n *nullInput) Stop() error    { return nil }
func (n *nullInput) Cleanup() error { return nil }

func enabledConfig(names ...string) *config.Service {
	exts := make(map[string]any, len(names))
	for _, name := range names {
		exts[name] = map[string]any{"enabled": true}
	}
	return config.NewServiceFromTree(map[string]any{"extensions": exts})
}

func newManager(cfg *config.Service, exts ...*fakeExt) (*extension.Manager, *registry.Registry) {
	reg := registry.New()
	m := extension.NewManager(cfg, reg, provider.Context{})
	for _, e := range exts {
		e := e
		m.Register(func() extension.Extension { return e })
	}
	return m, reg
}

// ── tests ──

func TestLoadRespectsDependencyOrder(t *testing.T) {
	var seq []string
	base := &fakeExt{info: extension.Info{Name: "base", Version: "1.0"}, setupSeq: &seq}
	addon := &fakeExt{info: extension.Info{Name: "addon", Version: "1.0", Dependencies: []string{"base"}}, setupSeq: &seq}
	more := &fakeExt{info: extension.Info{Name: "more", Version: "1.0", Dependencies: []string{"addon"}}, setupSeq: &seq}

	// Register in reverse to prove ordering comes from the graph.
	m, _ := newManager(enabledConfig("base", "addon", "more"), more, addon, base)
	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	if len(seq) != 3 || seq[0] != "base" || seq[1] != "addon" || seq[2] != "more" {
		t.Fatalf("setup order = %v, want [base addon more]", seq)
	}
}

func TestCycleFailsFastLoadsNothing(t *testing.T) {
	var seq []string
	a := &fakeExt{info: extension.Info{Name: "a", Dependencies: []string{"b"}}, setupSeq: &seq}
	b := &fakeExt{info: extension.Info{Name: "b", Dependencies: []string{"a"}}, setupSeq: &seq}

	m, _ := newManager(enabledConfig("a", "b"), a, b)
	if err := m.LoadAll(context.Background()); !errors.Is(err, extension.ErrCycle) {
		t.Fatalf("LoadAll = %v, want ErrCycle", err)
	}
	if len(seq) != 0 {
		t.Fatalf("setup ran despite cycle: %v", seq)
	}
	if got := m.Loaded(); len(got) != 0 {
		t.Fatalf("Loaded = %v, want none", got)
	}
}

func TestDisabledExtensionSkipped(t *testing.T) {
	e := &fakeExt{info: extension.Info{Name: "quiet"}}
	m, _ := newManager(enabledConfig( /* none enabled */ ), e)
	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if got := m.Loaded(); len(got) != 0 {
		t.Fatalf("Loaded = %v, want none", got)
	}
}

func TestSetupFailureSkipsDependents(t *testing.T) {
	broken := &fakeExt{info: extension.Info{Name: "broken"}, setupErr: errors.New("no dice")}
	child := &fakeExt{info: extension.Info{Name: "child", Dependencies: []string{"broken"}}}
	solo := &fakeExt{info: extension.Info{Name: "solo"}}

	m, _ := newManager(enabledConfig("broken", "child", "solo"), broken, child, solo)
	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if got := m.Loaded(); len(got) != 1 || got[0] != "solo" {
		t.Fatalf("Loaded = %v, want [solo]", got)
	}
}

func TestProvidersRegisteredAndUnregistered(t *testing.T) {
	e := &fakeExt{info: extension.Info{Name: "chatpack"}, inputs: []string{"fancy_chat"}}
	m, reg := newManager(enabledConfig("chatpack"), e)
	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	if _, err := reg.Input.Create("fancy_chat", nil, provider.Context{}); err != nil {
		t.Fatalf("extension provider missing from registry: %v", err)
	}

	if err := m.Unload("chatpack"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if !e.cleaned {
		t.Fatal("Cleanup not called")
	}
	if _, err := reg.Input.Create("fancy_chat", nil, provider.Context{}); !errors.Is(err, registry.ErrNotRegistered) {
		t.Fatalf("provider still registered after unload: %v", err)
	}
}

func TestUnloadRefusedWhileDependentsLoaded(t *testing.T) {
	base := &fakeExt{info: extension.Info{Name: "base"}}
	addon := &fakeExt{info: extension.Info{Name: "addon", Dependencies: []string{"base"}}}

	m, _ := newManager(enabledConfig("base", "addon"), base, addon)
	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	if err := m.Unload("base"); !errors.Is(err, extension.ErrHasDependents) {
		t.Fatalf("Unload(base) = %v, want ErrHasDependents", err)
	}
	if err := m.Unload("addon"); err != nil {
		t.Fatalf("Unload(addon): %v", err)
	}
	if err := m.Unload("base"); err != nil {
		t.Fatalf("Unload(base) after addon: %v", err)
	}
}

func TestReload(t *testing.T) {
	e := &fakeExt{info: extension.Info{Name: "chatpack"}, inputs: []string{"fancy_chat"}}
	m, reg := newManager(enabledConfig("chatpack"), e)
	if err := m.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if err := m.Reload(context.Background(), "chatpack"); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !e.cleaned {
		t.Fatal("Reload must run Cleanup")
	}
	if _, err := reg.Input.Create("fancy_chat", nil, provider.Context{}); err != nil {
		t.Fatalf("provider missing after reload: %v", err)
	}
	if got := m.Loaded(); len(got) != 1 || got[0] != "chatpack" {
		t.Fatalf("Loaded = %v", got)
	}
}

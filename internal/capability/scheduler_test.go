package capability

import (
	"context"
	"testing"

	"github.com/cerise-ai/cerise/internal/abilities"
)

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

type staticOwners map[string]string

func (o staticOwners) Owner(ability string) (string, bool) {
	p, ok := o[ability]
	return p, ok
}

type staticStars map[string]*StarEntry

func (s staticStars) Star(plugin string) (*StarEntry, bool) {
	e, ok := s[plugin]
	return e, ok
}

func registryWith(t *testing.T, names ...string) *abilities.Registry {
	t.Helper()
	reg := abilities.NewRegistry(nil)
	for _, name := range names {
		name := name
		reg.Register(&abilities.FuncAbility{
			AbilityName: name,
			Desc:        name + " ability",
			Fn: func(ctx context.Context, params map[string]any, actx *abilities.Context) (*abilities.Result, error) {
				return &abilities.Result{Success: true, Data: name}, nil
			},
		})
	}
	return reg
}

func TestResolveDefaults(t *testing.T) {
	s := NewScheduler(DefaultConfig(), registryWith(t, "alpha"), nil, nil, nil)
	d := s.Resolve("alpha")
	if !d.Enabled || !d.AllowTools || d.Priority != 0 {
		t.Errorf("Resolve = %+v", d)
	}
}

func TestResolvePerAbilityOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Abilities = map[string]Override{
		"alpha": {Enabled: boolPtr(false)},
		"beta":  {Priority: intPtr(7)},
	}
	s := NewScheduler(cfg, registryWith(t, "alpha", "beta"), nil, nil, nil)

	if d := s.Resolve("alpha"); d.Enabled {
		t.Errorf("alpha should be disabled: %+v", d)
	}
	if d := s.Resolve("beta"); !d.Enabled || d.Priority != 7 {
		t.Errorf("beta = %+v", d)
	}
}

func TestResolveStarEntryANDFolds(t *testing.T) {
	owners := staticOwners{"alpha": "plug", "beta": "plug"}
	stars := staticStars{"plug": {
		Enabled:    true,
		AllowTools: false,
		Abilities: map[string]Toggle{
			"beta": {Enabled: boolPtr(false)},
		},
	}}
	s := NewScheduler(DefaultConfig(), registryWith(t, "alpha", "beta"), owners, stars, nil)

	// Plugin-level allow_tools=false propagates to all owned abilities.
	if d := s.Resolve("alpha"); !d.Enabled || d.AllowTools {
		t.Errorf("alpha = %+v, want enabled without tools", d)
	}
	// Per-ability toggle disables beta entirely.
	if d := s.Resolve("beta"); d.Enabled {
		t.Errorf("beta = %+v, want disabled", d)
	}
}

func TestResolveNeverReenablesDisabledAncestor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Abilities = map[string]Override{"alpha": {Enabled: boolPtr(false)}}
	owners := staticOwners{"alpha": "plug"}
	stars := staticStars{"plug": {
		Enabled:    true,
		AllowTools: true,
		Abilities:  map[string]Toggle{"alpha": {Enabled: boolPtr(true)}},
	}}
	s := NewScheduler(cfg, registryWith(t, "alpha"), owners, stars, nil)

	if d := s.Resolve("alpha"); d.Enabled {
		t.Errorf("a true toggle must not re-enable a disabled override: %+v", d)
	}
}

func TestToolSchemasFilterAndOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Abilities = map[string]Override{
		"alpha": {Enabled: boolPtr(false)},
		"gamma": {Priority: intPtr(10)},
		"delta": {Priority: intPtr(5)},
	}
	s := NewScheduler(cfg, registryWith(t, "alpha", "beta", "gamma", "delta"), nil, nil, nil)

	schemas := s.ToolSchemas()
	got := make([]string, len(schemas))
	for i, sc := range schemas {
		got[i] = sc.Name
	}
	want := []string{"gamma", "delta", "beta"}
	if len(got) != len(want) {
		t.Fatalf("schemas = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("schemas = %v, want %v", got, want)
		}
	}
}

func TestExecuteGatesDisabledAbility(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Abilities = map[string]Override{"alpha": {Enabled: boolPtr(false)}}
	s := NewScheduler(cfg, registryWith(t, "alpha", "beta"), nil, nil, nil)

	res := s.Execute(context.Background(), "alpha", map[string]any{}, &abilities.Context{})
	if res.Success || res.Error != "Ability 'alpha' disabled" {
		t.Errorf("alpha result = %+v", res)
	}

	res = s.Execute(context.Background(), "beta", map[string]any{}, &abilities.Context{})
	if !res.Success {
		t.Errorf("beta result = %+v", res)
	}
}

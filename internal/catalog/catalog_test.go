package catalog

import "testing"

func TestResolveDirect(t *testing.T) {
	c := New()
	m, ok := c.Resolve("gpt-5.2", "")
	if !ok || m.ID != "gpt-5.2" {
		t.Fatalf("direct resolve failed: %v %v", m, ok)
	}
}

func TestResolveAliasWithinProvider(t *testing.T) {
	c := New()
	m, ok := c.Resolve("sonnet", ProviderAnthropic)
	if !ok || m.ID != "claude-sonnet-4-5" {
		t.Fatalf("alias resolve failed: %v %v", m, ok)
	}
}

func TestResolveAliasAcrossProviders(t *testing.T) {
	c := New()
	// "mini" is registered only for openai, so a provider-less lookup is
	// unambiguous.
	m, ok := c.Resolve("mini", "")
	if !ok || m.ID != "gpt-5.1-mini" {
		t.Fatalf("cross-provider alias resolve failed: %v %v", m, ok)
	}
}

func TestResolveAmbiguousAlias(t *testing.T) {
	c := New()
	c.Register(&Model{ID: "a-fast", Provider: ProviderAnthropic, Aliases: []string{"fast"}})
	c.Register(&Model{ID: "o-fast", Provider: ProviderOpenAI, Aliases: []string{"fast"}})
	if _, ok := c.Resolve("fast", ""); ok {
		t.Fatal("ambiguous alias must not resolve without a provider")
	}
	if m, ok := c.Resolve("fast", ProviderOpenAI); !ok || m.ID != "o-fast" {
		t.Fatalf("provider-scoped alias should win: %v %v", m, ok)
	}
}

func TestResolveProviderQualified(t *testing.T) {
	c := New()
	m, ok := c.Resolve("anthropic/opus", "")
	if !ok || m.ID != "claude-opus-4-5" {
		t.Fatalf("provider-qualified resolve failed: %v %v", m, ok)
	}
}

func TestResolveSnapshotSuffix(t *testing.T) {
	c := New()
	m, ok := c.Resolve("gpt-5.2-2026-03-14", "")
	if !ok || m.ID != "gpt-5.2" {
		t.Fatalf("snapshot suffix resolve failed: %v %v", m, ok)
	}
	// Only one trailing date is stripped.
	if _, ok := c.Resolve("gpt-5.2-2026-03-14-2026-03-15", ""); ok {
		t.Fatal("multi-date suffix should not resolve")
	}
}

func TestResolveDatedRegistrationWins(t *testing.T) {
	c := New()
	c.Register(&Model{ID: "gpt-5.2-2026-01-01", Provider: ProviderOpenAI, ContextWindow: 123})
	m, ok := c.Resolve("gpt-5.2-2026-01-01", "")
	if !ok || m.ContextWindow != 123 {
		t.Fatalf("directly registered dated id must win over its base: %v %v", m, ok)
	}
}

func TestContextLimit(t *testing.T) {
	m := &Model{ContextWindow: 100, MaxInputTokens: 50}
	if m.ContextLimit() != 100 {
		t.Error("context_window should be preferred")
	}
	m = &Model{MaxInputTokens: 50}
	if m.ContextLimit() != 50 {
		t.Error("max_input_tokens should be the fallback")
	}
	var nilModel *Model
	if nilModel.ContextLimit() != 0 {
		t.Error("nil model has no limit")
	}
}

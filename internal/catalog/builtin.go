package catalog

// registerBuiltins seeds the catalog with the models the bundled
// transports speak. Dated snapshot ids resolve through the suffix
// fallback unless registered directly.
func (c *Catalog) registerBuiltins() {
	builtins := []*Model{
		{
			ID:                "gpt-5.2",
			Provider:          ProviderOpenAI,
			Aliases:           []string{"gpt5"},
			ContextWindow:     400000,
			MaxOutputTokens:   128000,
			SupportsTools:     true,
			SupportsReasoning: true,
		},
		{
			ID:                "gpt-5.2-codex",
			Provider:          ProviderOpenAI,
			Aliases:           []string{"codex"},
			ContextWindow:     400000,
			MaxOutputTokens:   128000,
			SupportsTools:     true,
			SupportsReasoning: true,
		},
		{
			ID:                "gpt-5.1-mini",
			Provider:          ProviderOpenAI,
			Aliases:           []string{"mini"},
			ContextWindow:     272000,
			MaxOutputTokens:   128000,
			SupportsTools:     true,
			SupportsReasoning: true,
		},
		{
			ID:              "gpt-4.1",
			Provider:        ProviderOpenAI,
			ContextWindow:   1047576,
			MaxOutputTokens: 32768,
			SupportsTools:   true,
		},
		{
			ID:              "gpt-4o",
			Provider:        ProviderOpenAI,
			Aliases:         []string{"4o"},
			ContextWindow:   128000,
			MaxOutputTokens: 16384,
			SupportsTools:   true,
		},
		{
			ID:              "claude-sonnet-4-5",
			Provider:        ProviderAnthropic,
			Aliases:         []string{"sonnet"},
			ContextWindow:   200000,
			MaxOutputTokens: 64000,
			SupportsTools:   true,
		},
		{
			ID:              "claude-opus-4-5",
			Provider:        ProviderAnthropic,
			Aliases:         []string{"opus"},
			ContextWindow:   200000,
			MaxOutputTokens: 64000,
			SupportsTools:   true,
		},
		{
			ID:              "claude-haiku-4-5",
			Provider:        ProviderAnthropic,
			Aliases:         []string{"haiku"},
			ContextWindow:   200000,
			MaxOutputTokens: 64000,
			SupportsTools:   true,
		},
	}
	for _, m := range builtins {
		c.Register(m)
	}
}

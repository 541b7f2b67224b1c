package models

// Usage is the token accounting for a single LLM call. For Anthropic,
// InputTokens is normalized to include cache-read and cache-creation
// tokens so ratios against the context window stay meaningful.
type Usage struct {
	Model                    string `json:"model,omitempty"`
	InputTokens              int64  `json:"input_tokens"`
	InputCachedTokens        int64  `json:"input_cached_tokens,omitempty"`
	InputCacheCreationTokens int64  `json:"input_cache_creation_tokens,omitempty"`
	OutputTokens             int64  `json:"output_tokens"`
	TotalTokens              int64  `json:"total_tokens"`
}

// Add accumulates another usage record into this one. The model of the
// most recent record wins.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	if other.Model != "" {
		u.Model = other.Model
	}
	u.InputTokens += other.InputTokens
	u.InputCachedTokens += other.InputCachedTokens
	u.InputCacheCreationTokens += other.InputCacheCreationTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Completion is the provider-neutral result of one LLM invocation.
type Completion struct {
	Messages     []*Message     `json:"messages"`
	Usage        *Usage         `json:"usage,omitempty"`
	StopReason   string         `json:"stop_reason,omitempty"`
	ProviderMeta map[string]any `json:"provider_meta,omitempty"`
}

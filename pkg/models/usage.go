package models

// UsageRecord reports token consumption and wallclock for model calls.
// CachedPromptTokens is zero when the provider does not report it.
type UsageRecord struct {
	PromptTokens       int    `json:"prompt_tokens"`
	CachedPromptTokens int    `json:"cached_prompt_tokens"`
	CompletionTokens   int    `json:"completion_tokens"`
	TotalTokens        int    `json:"total_tokens"`
	WallclockMS        int64  `json:"wallclock_ms"`
	ModelID            string `json:"model_id,omitempty"`
}

// Add accumulates another record into u. An empty ModelID adopts the other
// record's; aggregating across distinct models clears it.
func (u *UsageRecord) Add(other UsageRecord) {
	u.PromptTokens += other.PromptTokens
	u.CachedPromptTokens += other.CachedPromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.WallclockMS += other.WallclockMS
	switch {
	case u.ModelID == "":
		u.ModelID = other.ModelID
	case other.ModelID != "" && other.ModelID != u.ModelID:
		u.ModelID = ""
	}
}

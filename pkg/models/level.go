package models

// LevelContext describes one active reasoning invocation. It is constructed
// per level, lives for the duration of that invocation, and is discarded on
// return; only its lineage ids outlive it (on telemetry events).
type LevelContext struct {
	Depth             int      `json:"depth"`
	MaxDepth          int      `json:"max_depth"`
	ModelID           string   `json:"model_id"`
	SubModelIDs       []string `json:"sub_model_ids,omitempty"`
	ParentRecursionID string   `json:"parent_recursion_id,omitempty"`
	RecursionID       string   `json:"recursion_id"`
	SessionID         string   `json:"session_id,omitempty"`

	// Iteration is the ordinal of the most recent model call at this level,
	// 1-based; the reasoning loop advances it before each call.
	Iteration        int `json:"iteration"`
	HardIterationCap int `json:"hard_iteration_cap"`
}

// CanRecurse reports whether this level may spawn a child invocation.
// The last level before the depth budget runs out exposes code execution
// only; recursion below it is structurally impossible.
func (lc *LevelContext) CanRecurse() bool {
	return lc.Depth+1 < lc.MaxDepth
}

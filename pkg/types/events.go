package types

// Event payloads carried on the server-sent event streams. Fields are
// omitted when unset so each frame carries only the keys of its shape.

// LoadEvent is emitted on GET /load streams.
type LoadEvent struct {
	// Relayed engine output or controller progress line.
	Log string `json:"log,omitempty"`
	// Alias whose eviction completed.
	Unloaded string `json:"unloaded,omitempty"`
	// Terminal success marker.
	Done bool `json:"done,omitempty"`
	// Resolved model id, set on the terminal success frame.
	ModelID string `json:"modelId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DownloadEvent is emitted on GET /download streams.
type DownloadEvent struct {
	Alias string `json:"alias,omitempty"`
	// Percentage parsed from the most recent progress line.
	Progress *float64 `json:"progress,omitempty"`
	// Raw line the percentage was parsed from.
	ProgressLine string `json:"progressLine,omitempty"`
	// Batched non-progress output since the previous flush, newline-joined.
	Log string `json:"log,omitempty"`
	// Terminal marker for the whole request, sent exactly once.
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
	// Diagnostic capture from the first failing attempt.
	Stderr string `json:"stderr,omitempty"`
}

// ChatEvent is emitted on GET /chat streams.
type ChatEvent struct {
	// One streamed completion delta.
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

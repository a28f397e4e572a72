package types

// CachedModelsResponse wraps GET /models.
type CachedModelsResponse struct {
	Models []CacheEntry `json:"models"`
}

// CatalogResponse wraps GET /server-models.
type CatalogResponse struct {
	Models []CatalogModel `json:"models"`
}

// CacheRemoveRequest selects the artifact to delete from the local cache.
// Exactly one of ModelID or Alias should be set; ModelID wins when both are.
type CacheRemoveRequest struct {
	// example: Phi-3.5-mini-instruct-generic-gpu
	ModelID string `json:"modelId,omitempty" example:"Phi-3.5-mini-instruct-generic-gpu"`
	// example: phi-3.5-mini
	Alias string `json:"alias,omitempty" example:"phi-3.5-mini"`
}

// CacheRemoveResponse reports the outcome of POST /cache-remove.
type CacheRemoveResponse struct {
	Removed string `json:"removed"`
	// Warning is set when the underlying tool exited non-zero after
	// completing the deletion.
	Warning string `json:"warning,omitempty"`
}

// ChatHistoryResponse wraps GET /chat/history.
type ChatHistoryResponse struct {
	Session  string        `json:"session"`
	Messages []ChatMessage `json:"messages"`
}

// NewSessionResponse is returned by POST /chat/session.
type NewSessionResponse struct {
	// example: 9b8e2c1a-0d4f-4b6e-a1c2-3d4e5f607182
	SessionID string `json:"sessionId" example:"9b8e2c1a-0d4f-4b6e-a1c2-3d4e5f607182"`
}

// DownloadJobStatus summarizes one download job for /status.
type DownloadJobStatus struct {
	// example: 1f2d4c9e-8a41-4f7e-9a11-7c3f5b7a2d10
	ID string `json:"id" example:"1f2d4c9e-8a41-4f7e-9a11-7c3f5b7a2d10"`
	// example: qwen2.5-0.5b
	Alias string `json:"alias" example:"qwen2.5-0.5b"`
	// example: running
	State string `json:"state" example:"running"`
	// example: 2
	Attempt int `json:"attempt" example:"2"`
	// Last observed progress percentage, if any was reported.
	// example: 42.5
	Progress *float64 `json:"progress,omitempty" example:"42.5"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Base URL of the engine's control service, when reachable.
	// example: http://127.0.0.1:5273/
	ServiceURL string `json:"service_url,omitempty" example:"http://127.0.0.1:5273/"`
	// Alias of the resident model, empty when the slot is free.
	// example: phi-3.5-mini
	ResidentAlias string `json:"resident_alias,omitempty" example:"phi-3.5-mini"`
	// Model id of the resident model.
	// example: Phi-3.5-mini-instruct-generic-gpu
	ResidentModelID string `json:"resident_model_id,omitempty" example:"Phi-3.5-mini-instruct-generic-gpu"`
	// Download jobs observed this process lifetime.
	Downloads []DownloadJobStatus `json:"downloads"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Total host memory in MB, 0 when the probe fails.
	// example: 32768
	HostMemoryTotalMB uint64 `json:"host_memory_total_mb,omitempty" example:"32768"`
	// Available host memory in MB.
	// example: 11264
	HostMemoryAvailableMB uint64 `json:"host_memory_available_mb,omitempty" example:"11264"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found in cache: phi-9000
	Error string `json:"error" example:"model not found in cache: phi-9000"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

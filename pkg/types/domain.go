package types

import "strings"

// Device is the execution device a model variant targets.
type Device string

const (
	DeviceCPU     Device = "CPU"
	DeviceGPU     Device = "GPU"
	DeviceNPU     Device = "NPU"
	DeviceUnknown Device = "unknown"
)

// DeviceFromModelID derives the device from a model id suffix when a report
// row carries no explicit device column. Unrecognized suffixes map to unknown.
func DeviceFromModelID(id string) Device {
	lower := strings.ToLower(id)
	switch {
	case strings.HasSuffix(lower, "-npu"):
		return DeviceNPU
	case strings.HasSuffix(lower, "-gpu"):
		return DeviceGPU
	case strings.HasSuffix(lower, "-cpu"):
		return DeviceCPU
	default:
		return DeviceUnknown
	}
}

// CatalogModel is one variant row from the engine's downloadable catalog.
// Several rows may share an Alias; ModelID is unique within an alias.
type CatalogModel struct {
	// Human-friendly name shared by all variants of one model.
	// example: phi-3.5-mini
	Alias string `json:"alias" example:"phi-3.5-mini"`
	// Fully-qualified identifier of this variant.
	// example: Phi-3.5-mini-instruct-generic-gpu
	ModelID string `json:"modelId" example:"Phi-3.5-mini-instruct-generic-gpu"`
	// Execution device this variant targets.
	// example: GPU
	Device Device `json:"device" example:"GPU"`
	// Task the model is built for.
	// example: chat-completion
	Task string `json:"task,omitempty" example:"chat-completion"`
	// Approximate artifact size as reported by the engine.
	// example: 2.16 GB
	FileSize string `json:"fileSize,omitempty" example:"2.16 GB"`
	// License identifier.
	// example: MIT
	License string `json:"license,omitempty" example:"MIT"`
}

// CacheEntry is one locally stored artifact from the cache listing.
type CacheEntry struct {
	// example: phi-3.5-mini
	Alias string `json:"alias" example:"phi-3.5-mini"`
	// example: Phi-3.5-mini-instruct-generic-gpu
	ModelID string `json:"modelId" example:"Phi-3.5-mini-instruct-generic-gpu"`
}

// ServiceModel is one row from the engine's residency listing: a model that
// is currently loaded and eligible to serve completions.
type ServiceModel struct {
	// example: phi-3.5-mini
	Alias string `json:"alias,omitempty" example:"phi-3.5-mini"`
	// example: Phi-3.5-mini-instruct-generic-gpu
	ModelID string `json:"modelId" example:"Phi-3.5-mini-instruct-generic-gpu"`
	// example: GPU
	Device Device `json:"device,omitempty" example:"GPU"`
}

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	// example: user
	Role ChatRole `json:"role" example:"user"`
	// example: Write a haiku about model eviction.
	Content string `json:"content" example:"Write a haiku about model eviction."`
}

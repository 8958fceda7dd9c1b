package api

import (
	"time"

	"github.com/kestrelworks/starhost/internal/protocol"
)

// DispatchRequest is the JSON body for POST /v1/dispatch.
type DispatchRequest struct {
	Command string            `json:"command"`
	Data    map[string]any    `json:"data,omitempty"`
	Session *protocol.Session `json:"session,omitempty"`
}

// DispatchResponse is returned on a completed broadcast.
type DispatchResponse struct {
	DispatchID string            `json:"dispatch_id"`
	Command    string            `json:"command"`
	Approved   bool              `json:"approved"`
	VetoedBy   string            `json:"vetoed_by,omitempty"`
	Results    []DispatchVerdict `json:"results"`
}

// DispatchVerdict is one plugin's verdict within a broadcast.
type DispatchVerdict struct {
	Plugin    string `json:"plugin"`
	Verdict   string `json:"verdict"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// PluginSummary is one row of GET /v1/plugins.
type PluginSummary struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Origin   string   `json:"origin"`
	Active   bool     `json:"active"`
	Commands []string `json:"commands"`
}

// PluginListResponse is returned by GET /v1/plugins.
type PluginListResponse struct {
	Plugins []PluginSummary `json:"plugins"`
}

// PluginDetailResponse is returned by GET /v1/plugins/{plugin}.
type PluginDetailResponse struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Protocol    int      `json:"protocol"`
	Origin      string   `json:"origin"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Active      bool     `json:"active"`
	Depends     []string `json:"depends,omitempty"`
	Commands    []string `json:"commands"`
}

// DispatchLogEntry is one row of GET /v1/dispatches.
type DispatchLogEntry struct {
	DispatchID  string            `json:"dispatch_id"`
	Command     string            `json:"command"`
	SessionID   string            `json:"session_id,omitempty"`
	RemoteAddr  string            `json:"remote_addr,omitempty"`
	Approved    *bool             `json:"approved,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Results     []DispatchVerdict `json:"results,omitempty"`
}

// DispatchLogResponse is returned by GET /v1/dispatches.
type DispatchLogResponse struct {
	Dispatches []DispatchLogEntry `json:"dispatches"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PluginsLoaded int    `json:"plugins_loaded"`
	PluginsActive int    `json:"plugins_active"`
}

package protocol

import (
	"strings"
	"time"
)

// Version is the envelope version spoken between host and plugins.
const Version = 1

// Lifecycle hook commands. Reserved: manifests cannot declare them as
// broadcast commands, but every plugin must answer them.
const (
	CommandActivate   = "activate"
	CommandDeactivate = "deactivate"
)

// IsLifecycleCommand reports whether name is a reserved lifecycle hook.
func IsLifecycleCommand(name string) bool {
	return strings.EqualFold(name, CommandActivate) || strings.EqualFold(name, CommandDeactivate)
}

// Verdict is a plugin's tri-state opinion on a broadcast command.
//
// Approve and abstain are both non-blocking; only an explicit veto turns the
// aggregate outcome false. Abstain is recorded for plugins that do not
// declare the command and for plugins that explicitly return it.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictVeto    Verdict = "veto"
	VerdictAbstain Verdict = "abstain"
)

// Valid reports whether the verdict is one of the defined values.
// The empty string is valid on the wire and normalizes to approve.
func (v Verdict) Valid() bool {
	switch v {
	case "", VerdictApprove, VerdictVeto, VerdictAbstain:
		return true
	}
	return false
}

// Bool folds the verdict into the veto model: false only for a veto.
func (v Verdict) Bool() bool {
	return v != VerdictVeto
}

// Session identifies the network session on whose behalf a command is
// broadcast. It travels inside every request of the dispatch; it is never
// stored on a plugin between calls.
type Session struct {
	ID         string `json:"id"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Account    string `json:"account,omitempty"`
}

// DependencyRef identifies a resolved dependency for the dependent plugin.
type DependencyRef struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Request is the envelope written to a plugin's stdin, one per spawn.
type Request struct {
	Protocol   int                      `json:"protocol"`
	DispatchID string                   `json:"dispatch_id"`
	Command    string                   `json:"command"`
	Data       any                      `json:"data,omitempty"`
	Session    *Session                 `json:"session,omitempty"`
	Config     map[string]any           `json:"config,omitempty"`
	State      map[string]any           `json:"state,omitempty"`
	Depends    map[string]DependencyRef `json:"depends,omitempty"`
	DeadlineAt time.Time                `json:"deadline_at"`
}

// Response is the envelope read from a plugin's stdout.
type Response struct {
	Status       string         `json:"status"`            // ok | error
	Verdict      Verdict        `json:"verdict,omitempty"` // omitted = approve
	Error        string         `json:"error,omitempty"`
	StateUpdates map[string]any `json:"state_updates,omitempty"`
	Logs         []LogEntry     `json:"logs,omitempty"`
}

// LogEntry is a log message relayed from a plugin.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// EffectiveVerdict normalizes an omitted verdict to approve: a plugin that
// answered ok without an explicit opinion does not block the broadcast.
func (r *Response) EffectiveVerdict() Verdict {
	if r.Verdict == "" {
		return VerdictApprove
	}
	return r.Verdict
}

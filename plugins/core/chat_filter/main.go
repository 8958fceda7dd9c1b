// chat_filter is an example plugin. It watches on_chat broadcasts and vetoes
// any message containing a banned word. The banned list comes from the host
// config section for this plugin; a running total of vetoed messages is kept
// in plugin state.
//
// Build it next to its manifest:
//
//	go build -o plugins/core/chat_filter/chat_filter ./plugins/core/chat_filter
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kestrelworks/starhost/internal/protocol"
)

func main() {
	var req protocol.Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fail(fmt.Sprintf("decode request: %v", err))
	}

	resp := handle(&req)
	if err := json.NewEncoder(os.Stdout).Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "encode response: %v\n", err)
		os.Exit(1)
	}
}

func handle(req *protocol.Request) *protocol.Response {
	switch req.Command {
	case protocol.CommandActivate, protocol.CommandDeactivate:
		return &protocol.Response{Status: "ok"}
	case "on_chat":
		return checkMessage(req)
	default:
		return &protocol.Response{Status: "ok", Verdict: protocol.VerdictAbstain}
	}
}

func checkMessage(req *protocol.Request) *protocol.Response {
	message := stringField(req.Data, "message")
	if message == "" {
		return &protocol.Response{Status: "ok", Verdict: protocol.VerdictAbstain}
	}

	lowered := strings.ToLower(message)
	for _, word := range bannedWords(req.Config) {
		if word == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(word)) {
			return &protocol.Response{
				Status:  "ok",
				Verdict: protocol.VerdictVeto,
				StateUpdates: map[string]any{
					"vetoed_total": vetoedTotal(req.State) + 1,
				},
				Logs: []protocol.LogEntry{
					{Level: "info", Message: fmt.Sprintf("blocked message containing %q", word)},
				},
			}
		}
	}

	return &protocol.Response{Status: "ok", Verdict: protocol.VerdictApprove}
}

func bannedWords(config map[string]any) []string {
	raw, ok := config["banned_words"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func vetoedTotal(state map[string]any) int {
	if n, ok := state["vetoed_total"].(float64); ok {
		return int(n)
	}
	return 0
}

func stringField(data any, key string) string {
	m, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func fail(msg string) {
	_ = json.NewEncoder(os.Stdout).Encode(&protocol.Response{Status: "error", Error: msg})
	os.Exit(0)
}

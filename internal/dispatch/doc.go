// Package dispatch broadcasts commands to every loaded plugin and enforces
// the veto model on their answers.
//
// A broadcast spawns each plugin that declares the command, one subprocess
// per invocation, speaking JSON over stdin/stdout. Plugins that do not
// declare the command abstain without being spawned. Verdicts fold with AND:
// the broadcast is approved unless some plugin vetoes, and a single
// invocation failure aborts the remainder of the pass.
//
// Timeout handling:
//   - Each invocation gets a per-plugin configured timeout
//   - When it expires, SIGTERM is sent to the plugin process
//   - After a 5 second grace period, SIGKILL is sent if still running
//
// The package also drives the lifecycle hooks: activate and deactivate both
// run over plugins in load order, fail-fast.
package dispatch

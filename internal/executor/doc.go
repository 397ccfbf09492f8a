// Package executor drives one test instance: it brings up the monitor and
// the mutation proxy on remote nodes, installs a strategy, runs the main
// and background transfers, and classifies the measured transfer time
// against thresholds learned from a baseline.
//
// The stage sequence is a pure transition table (see ApplyEvent) so the
// ordering and teardown rules can be audited without touching any node.
// Runner code executes the stage bodies and the side-effect actions the
// table returns.
//
// All node access goes through the Nodes contract; the proxy control
// channel goes through Control. Both are satisfied by real adapters in
// the remote and proxy packages and by fakes in tests.
package executor

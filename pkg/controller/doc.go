// Package controller is the single-writer coordination core of the build
// controller: the dispatch engine (C3), worker registry & token service
// (C4), and the build/worker mutation half of the repository layer (C2).
//
// Every mutation that crosses the build or worker state machine is
// expressed as a Command and applied one at a time through a single-node
// Raft log (hashicorp/raft, bootstrap-only — no Join, no voting peers).
// This is the fallback dispatch substrate SPEC_FULL.md §5/§10 names for
// stores without SELECT ... FOR UPDATE SKIP LOCKED: Raft's durable,
// strictly-ordered Apply() gives the same "one row lock shared by
// dispatch, re-registration, and offline reassignment" guarantee a
// relational transaction would, without requiring a second process to
// coordinate with. Reads bypass Raft entirely and hit the Store directly.
package controller

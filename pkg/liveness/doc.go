// Package liveness implements the resident supervisor that sweeps for
// stuck builds and offline workers on a fixed interval, grounded on the
// teacher's reconciler ticker-loop shape. It holds no authoritative
// state of its own: every decision is recomputed from the store on each
// tick, so a restart mid-cycle loses nothing.
package liveness

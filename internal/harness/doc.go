// Package harness runs declarative conformance scenarios against the full
// reconciliation pipeline.
//
// A scenario is a YAML file describing a sequence of snapshot ingests and
// assertions over the resulting diff batches and final state. The harness
// feeds each snapshot through a real engine backed by a real ledger, so
// scenarios exercise the same code paths as production: normalize,
// reconcile, diff, append, materialize.
//
// Scenario traces are additionally compared against golden files so that any
// change to diff output is an explicit, reviewed change to a checked-in
// fixture.
package harness

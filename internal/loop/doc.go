// Package loop defines the core domain types for loopd: loops, workstreams,
// feedback events and the error taxonomy shared by every component.
//
// A Loop is a tracked unit of reflective or actionable insight. It carries a
// lifecycle Status, an orthogonal Verified flag and a feedback-derived Weight
// that only the weight engine writes. Workstreams (programs and projects) are
// longer-lived groupings that loops route into or are promoted toward.
//
// The package has no I/O. Storage, routing and scoring live in sibling
// packages and exchange these types.
package loop

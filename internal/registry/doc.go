// Package registry holds pending signaling connection records.
//
// A record is created when an offering peer submits its session description,
// claimed exactly once by an answering peer polling the queue, and answered
// by that peer. Records only move forward through Pending, Claimed and
// Answered; eviction removes them and reports them as Expired.
//
// The Registry is the only shared mutable state in the relay. All methods are
// safe for concurrent use.
package registry

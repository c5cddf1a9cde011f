// Package trigger defines persisted units of work and the rules that move them
// through their lifecycle.
//
// A trigger is claimed by exactly one worker at a time. Every concurrent status
// change is conditioned on the Version read before it; the store bumps Version
// on each successful write, so a stale writer always loses.
//
//	IDLE -> READY -> PROCESSING -> SUCCESS | ERROR
//	READY | PROCESSING -> CANCELLING -> CANCELLED
//	READY | PROCESSING | CANCELLING -> IDLE   (stuck recovery)
package trigger

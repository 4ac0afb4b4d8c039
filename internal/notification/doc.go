// Package notification models the delivery state of one reminder slot.
//
// A slot is identified by (habit id, due instant in UTC). Its record moves
// through a small state machine:
//
//	Pending -> Sending -> Sent
//	                   -> Failed -> Pending (retry armed) | Dead
//	                   -> Dead (permanent failure)
//
// Failed is resolved within the same transition, so stores only ever hold
// Pending, Sending, Sent or Dead. Sent and Dead records are immutable.
//
// The transition functions here are pure; stores apply them under their own
// compare-and-set so that a slot is claimed by at most one worker.
package notification

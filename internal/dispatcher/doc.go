// Package dispatcher turns due habit slots into delivered reminders.
//
// Each tick lists active habits and processes them on a bounded pool. For a
// habit the dispatcher either resumes its latest non-terminal slot (a retry
// whose backoff gate has opened) or computes the next slot after the last
// terminal one. A due slot is claimed in the store, sent through the
// gateway under a timeout and finished with a compare-and-set on the claim
// token. Losing any compare-and-set means another worker owns the slot.
package dispatcher

// Package habit holds the habit domain: the immutable Habit value, the draft
// and patch shapes used to create or change one, the semantic validator and
// the lifecycle service that gates every persisted write through it.
//
// # Invariants
//
// Every persisted habit satisfies:
//   - 0 < duration <= 120 seconds
//   - 1 <= periodicity <= 7 days
//   - at least one weekday selected
//   - a nice habit carries neither a prize nor a related habit
//   - prize and related habit are mutually exclusive
//   - a related habit exists and is itself nice
//
// Validate evaluates all of them independently and reports every violation
// at once.
package habit

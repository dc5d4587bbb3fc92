// Package timestamp provides the wall clock used for claim timestamps and
// wait-window arithmetic.
//
// A Provider works in a fixed unit (millisecond, microsecond or nanosecond).
// All times it returns are truncated to that unit, so a time written into a
// claim column as ticks (Ticks) and read back (FromTicks) compares equal to
// the original. Now never goes backwards within one provider.
//
// SleepPast is the blocking wait primitive used by the lock check: it returns
// only once Now is strictly after the given time, or when the context ends.
//
// NewManualProvider returns a provider whose clock only moves when told to
// (Advance) or when a caller sleeps, which keeps expiry tests free of real
// sleeps.
package timestamp

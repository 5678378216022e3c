package pattern

import "time"

// Compare classifies one store's snapshot against the system-of-record pattern.
// A store agrees when it holds the reference checksum. A differing checksum is
// Stale when the store's last write trails the reference by more than staleness,
// and ChecksumMismatch otherwise.
func Compare(ref *Pattern, snap StoreSnapshot, staleness time.Duration) (DiscrepancyReason, bool) {
	switch {
	case snap.TimedOut:
		return ReasonTimeout, false
	case !snap.Exists:
		return ReasonMissing, false
	case snap.Checksum == ref.Checksum:
		return "", true
	case staleness > 0 && Lag(ref, snap) > staleness:
		return ReasonStale, false
	default:
		return ReasonChecksumMismatch, false
	}
}

// Lag returns how far a store's last write trails the reference. Never negative.
func Lag(ref *Pattern, snap StoreSnapshot) time.Duration {
	if snap.LastWriteAt.IsZero() {
		return 0
	}
	lag := ref.UpdatedAt.Sub(snap.LastWriteAt)
	if lag < 0 {
		return 0
	}
	return lag
}

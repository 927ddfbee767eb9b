package refdb

import "errors"

// ErrInvariant marks internal-consistency violations: ANV driven negative,
// duplicate referral insertion, removing a referral with live children, heap
// index corruption. These indicate a bug in the caller or in prior state
// transitions, never a transient condition. Callers distinguish them from
// storage failures with errors.Is.
var ErrInvariant = errors.New("refdb: invariant violation")

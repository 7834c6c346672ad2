// Package identity manages the pool of publishing accounts.
//
// Reservation is least-recently-used with a compare-and-swap so a given
// identity is never held by two publish attempts at once. Releases apply
// cooldowns: a jittered base cooldown on success, an exponentially growing
// one on failure, and automatic disablement once consecutive failures reach
// the configured streak limit.
package identity

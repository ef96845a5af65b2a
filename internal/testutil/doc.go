// Package testutil provides fixtures, a controllable clock and a shared
// behavioural suite that every storage backend runs against.
package testutil

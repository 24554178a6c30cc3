// Package kademlia wires node identity, storage, routing, transport,
// and the spider crawl into a runnable DHT peer.
package kademlia

import "time"

// Options configures a Server at construction time. Grounded on
// toxcore.go's Options/NewOptions pattern: a single struct carrying
// every construction-time knob, with a constructor supplying sane
// defaults so callers only set what they care about.
type Options struct {
	// Interface is the local address to bind, e.g. "0.0.0.0" or "".
	Interface string
	// Port is the local UDP port to bind.
	Port uint16

	// Ksize is the Kademlia bucket size and the width of lookups.
	Ksize int
	// Alpha is the lookup concurrency parameter.
	Alpha int

	// StorageTTL is how long a stored key/value lives before expiring.
	StorageTTL time.Duration

	// DiskStorageDir, if non-empty, makes storage file-backed under
	// this root directory instead of in-memory.
	DiskStorageDir string

	// StatePath, if non-empty, is where SaveState/LoadState read and
	// write the bootstrap snapshot.
	StatePath string

	// RefreshInterval is how often the refresh/republish loop runs.
	RefreshInterval time.Duration
	// SaveStateInterval is how often the state-save loop runs.
	SaveStateInterval time.Duration
	// LonelyBucketAge is how long a bucket can go untouched before the
	// refresh loop treats it as lonely.
	LonelyBucketAge time.Duration

	// WelcomeAwaitsReplication resolves SPEC_FULL.md §10.4: when true,
	// welcome_if_new's replication calls block until they complete
	// instead of firing and forgetting.
	WelcomeAwaitsReplication bool
}

// NewOptions returns an Options populated with the defaults spec.md §6
// and §4.8 name: ksize 20, alpha 3, hourly refresh, 10-minute state
// saves, and an hour-long lonely-bucket threshold.
func NewOptions() *Options {
	return &Options{
		Interface:         "0.0.0.0",
		Port:              33445,
		Ksize:             20,
		Alpha:             3,
		StorageTTL:        24 * time.Hour,
		RefreshInterval:   time.Hour,
		SaveStateInterval: 10 * time.Minute,
		LonelyBucketAge:   time.Hour,
	}
}

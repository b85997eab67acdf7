package pigweed

import "github.com/viperasi/pigweed/entry"

// GCOnWrite controls how eagerly the store reclaims space when a write
// finds no sector with room.
type GCOnWrite int

const (
	// GCDisabled never triggers GC from within Put/Delete; a full sector
	// table simply fails the write with ErrResourceExhausted.
	GCDisabled GCOnWrite = iota
	// GCOneSector reclaims exactly one sector (Collector.PartialCollect)
	// and retries the write once.
	GCOneSector
	// GCAsNeeded keeps reclaiming sectors and retrying until the write
	// succeeds or no sector has anything left to reclaim.
	GCAsNeeded
)

const (
	defaultMaxEntries   = 4096
	defaultMaxSectors   = 64
	defaultRedundancy   = 1
	defaultAlignment    = entry.MinAlignmentBytes
)

type config struct {
	maxEntries   int
	maxSectors   int
	redundancy   int
	gcOnWrite    GCOnWrite
	verifyOnRead bool
	verifyOnWrite bool
	formats      []entry.Format
}

func defaultConfig() config {
	return config{
		maxEntries: defaultMaxEntries,
		maxSectors: defaultMaxSectors,
		redundancy: defaultRedundancy,
		gcOnWrite:  GCOneSector,
		formats:    []entry.Format{entry.DefaultFormat()},
	}
}

// Option configures a Store at Open time.
type Option func(*config)

func (c *config) apply(opts []Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// MaxEntries bounds the keydir's fixed capacity: the largest number of
// distinct keys the store will track.
func MaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

// MaxSectors bounds the sector table's fixed capacity. The partition's
// actual sector count must not exceed this.
func MaxSectors(n int) Option {
	return func(c *config) { c.maxSectors = n }
}

// Redundancy sets how many independent copies of each entry Put and Delete
// write, each to a different sector.
func Redundancy(r int) Option {
	return func(c *config) { c.redundancy = r }
}

// WithGCOnWrite selects how aggressively a full-sector-table write
// triggers garbage collection before giving up.
func WithGCOnWrite(mode GCOnWrite) Option {
	return func(c *config) { c.gcOnWrite = mode }
}

// VerifyOnRead re-verifies an entry's checksum on every Get that starts at
// offset 0, at the cost of an extra pass over its bytes.
func VerifyOnRead(enabled bool) Option {
	return func(c *config) { c.verifyOnRead = enabled }
}

// VerifyOnWrite re-reads and re-verifies every entry immediately after
// writing it, trading write latency for an early detection of a bad write.
func VerifyOnWrite(enabled bool) Option {
	return func(c *config) { c.verifyOnWrite = enabled }
}

// Formats sets the accepted on-flash entry formats. Reads accept any of
// them; writes always use the first. Defaults to a single format using
// entry.DefaultMagic and the XXHash checksum algorithm.
func Formats(formats ...entry.Format) Option {
	return func(c *config) {
		if len(formats) > 0 {
			c.formats = formats
		}
	}
}

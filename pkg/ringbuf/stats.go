package ringbuf

// Stats are diagnostic counters kept in process memory. They are reset by
// Init and ResetStats and never affect buffer behavior.
type Stats struct {
	WriteCalls    uint32
	WriteBytes    uint32
	FlushTriggers uint32
	OverflowCount uint32
	PeakUsage     int
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// ResetStats zeroes the counters.
func (b *Buffer) ResetStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats = Stats{}
}

package heap

import "github.com/launchdarkly/go-jsonstream/v3/jwriter"

// Statistics counts what a Core has done.
type Statistics struct {
	Allocations     uint64
	Frees           uint64
	Reallocs        uint64
	ForeignFrees    uint64
	ForeignReallocs uint64
	Failures        uint64

	LiveBlocks uint64
	LiveBytes  uint64
}

// Stats returns a snapshot of c's counters.
func (c *Core) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// BuildStatsString writes c's counters to writer as a JSON object.
func (c *Core) BuildStatsString(writer *jwriter.Writer) {
	s := c.Stats()

	obj := writer.Object()
	defer obj.End()

	obj.Name("Allocations").Int(int(s.Allocations))
	obj.Name("Frees").Int(int(s.Frees))
	obj.Name("Reallocs").Int(int(s.Reallocs))
	obj.Name("ForeignFrees").Int(int(s.ForeignFrees))
	obj.Name("ForeignReallocs").Int(int(s.ForeignReallocs))
	obj.Name("Failures").Int(int(s.Failures))
	obj.Name("LiveBlocks").Int(int(s.LiveBlocks))
	obj.Name("LiveBytes").Int(int(s.LiveBytes))
}

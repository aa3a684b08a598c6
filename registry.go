package interpose

import (
	"github.com/pboyd/interpose/modules"
)

// registry holds the tracked modules: a fixed number of module records, the
// main executable's record and the OS function table.
type registry struct {
	records []*record // nil entries are free
	main    *record
	os      *osRecord
}

func newRegistry(capacity int) *registry {
	return &registry{
		records: make([]*record, capacity),
		os:      &osRecord{},
	}
}

// find returns the valid record for the module at m's address, if any.
func (g *registry) find(m modules.Module) *record {
	for _, r := range g.records {
		if r != nil && r.valid && r.module.SameAs(m) {
			return r
		}
	}
	return nil
}

// claim stores r in the first free index.
func (g *registry) claim(r *record) bool {
	for i, cur := range g.records {
		if cur == nil {
			r.index = i
			g.records[i] = r
			return true
		}
	}
	return false
}

func (g *registry) release(r *record) {
	r.valid = false
	if r.index >= 0 && r.index < len(g.records) && g.records[r.index] == r {
		g.records[r.index] = nil
	}
}

func (g *registry) valid() []*record {
	var out []*record
	for _, r := range g.records {
		if r != nil && r.valid {
			out = append(out, r)
		}
	}
	return out
}

// invalidateAbsent drops records whose module isn't in mods and returns
// them.
func (g *registry) invalidateAbsent(mods []modules.Module) []*record {
	var dropped []*record
	for _, r := range g.valid() {
		present := false
		for _, m := range mods {
			if r.module.SameAs(m) {
				present = true
				break
			}
		}
		if !present {
			g.release(r)
			dropped = append(dropped, r)
		}
	}
	return dropped
}

// claimed reports whether addr is already the target of a slot in a valid
// record other than self, the main executable or the OS table.
func (g *registry) claimed(addr uintptr, self *record) bool {
	for _, r := range g.valid() {
		if r != self && r.claims(addr) {
			return true
		}
	}
	if g.main != nil && g.main != self && g.main.claims(addr) {
		return true
	}
	return g.os.claims(addr)
}

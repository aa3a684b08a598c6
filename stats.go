package interpose

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pboyd/interpose/modules"
)

// RecordInfo describes one tracked module.
type RecordInfo struct {
	Module modules.Module
	// Index is the registry index, or -1 for the main executable.
	Index   int
	Targets [NumSlots]uintptr
	Patched [NumSlots]bool
}

// Snapshot is a copy of the engine's registry.
type Snapshot struct {
	Capacity int
	Records  []RecordInfo
	Main     *RecordInfo
	OS       [NumOSSlots]uintptr
}

// Snapshot copies the registry under the engine lock.
func (e *Engine) Snapshot() Snapshot {
	var snap Snapshot
	e.locked(func() {
		snap.Capacity = len(e.reg.records)
		for _, r := range e.reg.valid() {
			snap.Records = append(snap.Records, r.info())
		}
		if e.reg.main != nil {
			info := e.reg.main.info()
			snap.Main = &info
		}
		snap.OS = e.reg.os.target
	})
	return snap
}

func (r *record) info() RecordInfo {
	info := RecordInfo{
		Module:  r.module,
		Index:   r.index,
		Targets: r.target,
	}
	for s := range info.Patched {
		info.Patched[s] = r.trampolineFor(Slot(s)) != nil
	}
	return info
}

type statsBuilder interface {
	BuildStatsString(writer *jwriter.Writer)
}

// WriteStats writes the registry, lock counters and, if the core reports
// them, allocator counters to w as JSON. With a Symbolizer configured,
// targets are named; that can be slow.
func (e *Engine) WriteStats(w io.Writer) error {
	snap := e.Snapshot()
	lock := e.lock.Stats()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Capacity").Int(snap.Capacity)

	lockObj := obj.Name("Lock").Object()
	lockObj.Name("Acquisitions").Int(int(lock.Acquisitions))
	lockObj.Name("Contended").Int(int(lock.Contended))
	lockObj.Name("WaitNanos").Int(int(lock.WaitTime.Nanoseconds()))
	lockObj.End()

	records := obj.Name("Records").Array()
	for _, info := range snap.Records {
		recObj := records.Object()
		e.printRecord(&recObj, info)
		recObj.End()
	}
	records.End()

	if snap.Main != nil {
		mainObj := obj.Name("Main").Object()
		e.printRecord(&mainObj, *snap.Main)
		mainObj.End()
	}

	osObj := obj.Name("OS").Object()
	for s, addr := range snap.OS {
		if addr != 0 {
			osObj.Name(OSSlot(s).String()).String(fmt.Sprintf("%#x", addr))
		}
	}
	osObj.End()

	if core, ok := e.cfg.Core.(statsBuilder); ok {
		core.BuildStatsString(obj.Name("Core"))
	}

	obj.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "encode stats")
	}
	_, err := w.Write(writer.Bytes())
	return err
}

func (e *Engine) printRecord(json *jwriter.ObjectState, info RecordInfo) {
	json.Name("Name").String(info.Module.Name)
	json.Name("Index").Int(info.Index)
	json.Name("Base").String(fmt.Sprintf("%#x", info.Module.Base))
	json.Name("Size").Int(int(info.Module.Size))

	slotsObj := json.Name("Slots").Object()
	defer slotsObj.End()

	for s, addr := range info.Targets {
		if addr == 0 {
			continue
		}
		slotObj := slotsObj.Name(Slot(s).String()).Object()
		slotObj.Name("Target").String(fmt.Sprintf("%#x", addr))
		slotObj.Name("Patched").Bool(info.Patched[s])
		if e.cfg.Symbolizer != nil {
			if name, err := e.cfg.Symbolizer.Symbolize(addr); err == nil {
				slotObj.Name("Symbol").String(name)
			} else {
				e.logger.Debug("Symbolize failed", "addr", addr, "error", err)
			}
		}
		slotObj.End()
	}
}

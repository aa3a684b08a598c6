//go:build linux

package modules

import (
	"bufio"
	"debug/elf"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

const procSelfMaps = "/proc/self/maps"

// ProcMaps enumerates the file-backed images mapped into this process by
// reading /proc/self/maps. Exports are looked up in each file's ELF dynamic
// symbol table, which is read the first time it's needed.
type ProcMaps struct {
	mu      sync.Mutex
	symbols map[string]*elfSymbols
}

// NewProcMaps returns an enumerator for the current process.
func NewProcMaps() *ProcMaps {
	return &ProcMaps{symbols: map[string]*elfSymbols{}}
}

// Self returns the best enumerator for the running platform.
func Self() Enumerator {
	return NewProcMaps()
}

func (p *ProcMaps) Enumerate() ([]Module, error) {
	f, err := os.Open(procSelfMaps)
	if err != nil {
		return nil, errors.Wrap(err, "enumerate modules")
	}
	defer f.Close()

	regions, err := parseMaps(f)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	mods := make([]Module, 0, len(regions))
	for _, r := range regions {
		syms, ok := p.symbols[r.path]
		if !ok || syms.base != r.start {
			syms = &elfSymbols{path: r.path, base: r.start}
			p.symbols[r.path] = syms
		}
		mods = append(mods, Module{
			Name:   r.path,
			Base:   r.start,
			Size:   r.end - r.start,
			Handle: syms,
		})
	}
	return mods, nil
}

type region struct {
	path       string
	start, end uintptr
}

// parseMaps folds the mappings of each file into one region spanning all of
// them, in order of first appearance.
func parseMaps(r io.Reader) ([]region, error) {
	var (
		regions []region
		index   = map[string]int{}
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// start-end perms offset dev inode path
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		// Every line gets its range checked, file-backed or not.
		start, end, ok := strings.Cut(fields[0], "-")
		if !ok {
			return nil, errors.Newf("malformed mapping %q", fields[0])
		}
		lo, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed mapping %q", fields[0])
		}
		hi, err := strconv.ParseUint(end, 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed mapping %q", fields[0])
		}

		if len(fields) < 6 || !strings.HasPrefix(fields[5], "/") {
			continue
		}

		path := strings.Join(fields[5:], " ")
		if i, ok := index[path]; ok {
			if uintptr(lo) < regions[i].start {
				regions[i].start = uintptr(lo)
			}
			if uintptr(hi) > regions[i].end {
				regions[i].end = uintptr(hi)
			}
			continue
		}

		index[path] = len(regions)
		regions = append(regions, region{path: path, start: uintptr(lo), end: uintptr(hi)})
	}

	return regions, errors.Wrap(scanner.Err(), "read "+procSelfMaps)
}

type elfSymbols struct {
	path string
	base uintptr

	once  sync.Once
	funcs *swiss.Map[string, uintptr]
}

func (s *elfSymbols) Lookup(name string) (uintptr, bool) {
	s.once.Do(s.load)
	if s.funcs == nil {
		return 0, false
	}
	return s.funcs.Get(name)
}

func (s *elfSymbols) load() {
	f, err := elf.Open(s.path)
	if err != nil {
		return
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return
	}

	// Shared objects are linked at a zero-based address and relocated by
	// the loader. Executables are not.
	var bias uintptr
	if f.Type == elf.ET_DYN {
		bias = s.base - lowestLoad(f)
	}

	s.funcs = swiss.NewMap[string, uintptr](uint32(len(syms)))
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
			continue
		}
		s.funcs.Put(sym.Name, bias+uintptr(sym.Value))
	}
}

func lowestLoad(f *elf.File) uintptr {
	lowest := ^uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		vaddr := p.Vaddr
		if p.Align > 1 {
			vaddr &^= p.Align - 1
		}
		if vaddr < lowest {
			lowest = vaddr
		}
	}
	if lowest == ^uint64(0) {
		return 0
	}
	return uintptr(lowest)
}

package modules

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
)

// Symbolizer turns a code address into a function name.
type Symbolizer interface {
	Symbolize(pc uintptr) (string, error)
}

// Pprof symbolizes addresses by running "pprof --symbols" against the
// running binary, feeding it the process's memory map followed by the
// address. It's slow and meant for reports written at exit.
type Pprof struct {
	// Path to the pprof binary. Empty means $PPROF_PATH, then "pprof".
	Path string
	// Binary to symbolize against. Empty means os.Executable().
	Binary string
}

func (p Pprof) Symbolize(pc uintptr) (string, error) {
	path := p.Path
	if path == "" {
		path = os.Getenv("PPROF_PATH")
	}
	if path == "" {
		path = "pprof"
	}

	binary := p.Binary
	if binary == "" {
		var err error
		binary, err = os.Executable()
		if err != nil {
			return "", errors.Wrap(err, "symbolize")
		}
	}

	var stdin bytes.Buffer
	if maps, err := os.ReadFile(procSelfMaps); err == nil {
		stdin.Write(maps)
	}
	fmt.Fprintf(&stdin, "%#x\n", pc)

	cmd := exec.Command(path, "--symbols", binary)
	cmd.Stdin = &stdin
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Wrapf(err, "symbolize %#x with %s", pc, path)
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	if scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			return name, nil
		}
	}
	return "", errors.Newf("symbolize %#x: no output from %s", pc, path)
}

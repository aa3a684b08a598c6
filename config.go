package interpose

import (
	"io"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/pboyd/interpose/heap"
	"github.com/pboyd/interpose/modules"
	"github.com/pboyd/interpose/patch"
	"golang.org/x/exp/slog"
)

// DefaultCapacity is how many modules are tracked when neither
// Config.Capacity nor $INTERPOSE_CAPACITY says otherwise.
const DefaultCapacity = 8

// CapacityEnv names the environment variable that overrides DefaultCapacity.
const CapacityEnv = "INTERPOSE_CAPACITY"

// Config configures an Engine. The zero value is usable: every nil field is
// filled in by DefaultConfig's choice.
type Config struct {
	// Capacity is the most modules tracked at once, not counting the main
	// executable.
	Capacity int

	Enumerator modules.Enumerator
	Patcher    Patcher
	Core       Core

	// Static resolves the main executable's allocator functions. Leave it
	// nil if the main executable's functions shouldn't be patched.
	Static modules.Symbols

	// System resolves the OS memory and module functions. Leave it nil to
	// skip OS patching.
	System modules.Symbols

	Logger *slog.Logger

	// Fatal is called with unrecoverable errors. The default logs and
	// panics. If Fatal returns, the failing operation returns the error.
	Fatal func(error)

	// Symbolizer, if set, names targets in WriteStats output.
	Symbolizer modules.Symbolizer
}

// DefaultConfig returns the configuration used for unset fields: modules
// from the running process, the amd64 patcher and a heap.Core.
func DefaultConfig() Config {
	return Config{
		Capacity:   capacityFromEnv(),
		Enumerator: modules.Self(),
		Patcher:    patch.New(),
	}
}

func capacityFromEnv() int {
	if v := os.Getenv(CapacityEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultCapacity
}

func (c Config) withDefaults() (Config, error) {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Capacity <= 0 {
		c.Capacity = capacityFromEnv()
	}
	if c.Enumerator == nil {
		c.Enumerator = modules.Self()
	}
	if c.Patcher == nil {
		c.Patcher = patch.New()
	}
	if c.Core == nil {
		core, err := heap.New(heap.Options{Logger: c.Logger})
		if err != nil {
			return c, errors.Wrap(err, "create allocator core")
		}
		c.Core = core
	}
	if c.Fatal == nil {
		logger := c.Logger
		c.Fatal = func(err error) {
			logger.Error("Fatal interception error", "error", err)
			panic(err)
		}
	}
	return c, nil
}

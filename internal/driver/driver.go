// Package driver orchestrates a compilation run: the phase pipeline over a
// set of bytecode containers, the shared artifact bookkeeping, and the
// query surface it exposes to the code generation backend.
package driver

import (
	"os"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dex-aot/internal/artifact"
	"github.com/dex-aot/internal/backend"
	"github.com/dex-aot/internal/dedupe"
	"github.com/dex-aot/internal/dex"
	"github.com/dex-aot/internal/patch"
	"github.com/dex-aot/internal/profileguide"
	"github.com/dex-aot/internal/statistics"
	"github.com/dex-aot/internal/verifier"
	"github.com/dex-aot/pkg/arena"
	"github.com/dex-aot/pkg/config"
	"github.com/dex-aot/pkg/errors"
	"github.com/dex-aot/pkg/filter"
	"github.com/dex-aot/pkg/utils"
)

// Options configures one Driver. Invalid options are a fatal configuration
// error reported by New; nothing is diagnosed later at phase time.
type Options struct {
	InstructionSet         string
	InstructionSetFeatures string

	// Image enables base-image compilation: the image-class restriction
	// and eager class initialization.
	Image bool
	// ImageClasses restricts the image-class set. A nil filter means every
	// reachable class is an image class.
	ImageClasses *filter.ClassFilter

	ThreadCount int

	// HotMethods, when non-nil, restricts native compilation to methods
	// that appeared in a profile.
	HotMethods *profileguide.Set

	// VerifyErrorFallback is the dex-to-dex level applied to methods of
	// classes that failed verification. The zero value is
	// DexToDexRequired.
	VerifyErrorFallback artifact.DexToDexLevel

	DumpStats   bool
	DumpTimings bool

	Logger utils.Logger
}

// OptionsFromConfig builds Options from the loaded configuration, reading
// the image-class list and the profile if they are configured.
func OptionsFromConfig(cfg *config.Config, logger utils.Logger) (Options, error) {
	opts := Options{
		InstructionSet:         cfg.Compiler.InstructionSet,
		InstructionSetFeatures: cfg.Compiler.InstructionSetFeatures,
		Image:                  cfg.Compiler.Image,
		ThreadCount:            cfg.Compiler.ThreadCount,
		DumpStats:              cfg.Compiler.DumpStats,
		DumpTimings:            cfg.Compiler.DumpTimings,
		Logger:                 logger,
	}

	switch cfg.Compiler.DexToDexOnVerifyError {
	case "", "required":
		opts.VerifyErrorFallback = artifact.DexToDexRequired
	case "skip":
		opts.VerifyErrorFallback = artifact.DexToDexSkip
	case "optimize":
		opts.VerifyErrorFallback = artifact.DexToDexOptimize
	default:
		return Options{}, errors.Newf(errors.CodeConfigError,
			"unknown dex_to_dex_on_verify_error %q", cfg.Compiler.DexToDexOnVerifyError)
	}

	if cfg.Compiler.ImageClassesFile != "" {
		f, err := os.Open(cfg.Compiler.ImageClassesFile)
		if err != nil {
			return Options{}, errors.Wrap(errors.CodeConfigError, "failed to open image classes file", err)
		}
		defer f.Close()
		opts.ImageClasses, err = filter.ReadFrom(f)
		if err != nil {
			return Options{}, errors.Wrap(errors.CodeConfigError, "failed to read image classes file", err)
		}
	}

	if cfg.Compiler.ProfileFile != "" {
		set, err := profileguide.Load(cfg.Compiler.ProfileFile)
		if err != nil {
			return Options{}, err
		}
		opts.HotMethods = set
	}

	return opts, nil
}

// Driver runs the phase pipeline and owns all shared run state: the
// artifact tables, the patch ledger, the dedupe stores and the statistics.
type Driver struct {
	opts   Options
	logger utils.Logger
	timer  *utils.Timer
	tracer trace.Tracer

	verifier verifier.Verifier
	backend  backend.Backend

	// loader is the class loader context of the current run, set by
	// CompileAll / CompileOne before any phase touches it.
	loader *dex.Loader

	tables *artifact.Tables
	ledger *patch.Ledger
	arenas *arena.Pool

	codeStore    *dedupe.Store
	mappingStore *dedupe.Store
	vmapStore    *dedupe.Store
	gcMapStore   *dedupe.Store

	verifiedMu sync.RWMutex
	verified   map[dex.ClassRef]*verifier.ClassResult

	statsMu sync.Mutex
	stats   statistics.CompilationStats

	// Cache-assumption counters are bumped from backend callbacks that do
	// not carry a worker context, so they stay atomic and are folded into
	// stats at the end of the run.
	typesInCache    atomic.Int64
	typesNotInCache atomic.Int64

	trampolineMu sync.Mutex
	trampolines  map[backend.TrampolineKind][]byte

	// barriers is the set of classes whose constructors write final
	// instance fields. It only grows; entries are recorded during
	// verification and read back during compilation.
	barrierMu sync.RWMutex
	barriers  map[dex.ClassRef]bool
}

// New validates the options and creates a driver. Configuration problems
// are fatal here; they never surface mid-run.
func New(opts Options, v verifier.Verifier, be backend.Backend) (*Driver, error) {
	if opts.InstructionSet == "" {
		return nil, errors.New(errors.CodeConfigError, "instruction set is required")
	}
	if v == nil {
		return nil, errors.New(errors.CodeConfigError, "a verifier is required")
	}
	if be == nil {
		return nil, errors.New(errors.CodeConfigError, "a backend is required")
	}
	if opts.ThreadCount <= 0 {
		opts.ThreadCount = 1
	}
	if opts.Logger == nil {
		opts.Logger = utils.GetGlobalLogger()
	}

	d := &Driver{
		opts:         opts,
		logger:       opts.Logger,
		tracer:       otel.Tracer("dex-aot/driver"),
		verifier:     v,
		backend:      be,
		tables:       artifact.NewTables(),
		ledger:       patch.NewLedger(),
		arenas:       arena.NewPool(),
		codeStore:    dedupe.NewStore("code"),
		mappingStore: dedupe.NewStore("mapping table"),
		vmapStore:    dedupe.NewStore("vmap table"),
		gcMapStore:   dedupe.NewStore("gc map"),
		verified:     make(map[dex.ClassRef]*verifier.ClassResult),
		trampolines:  make(map[backend.TrampolineKind][]byte),
		barriers:     make(map[dex.ClassRef]bool),
	}
	d.timer = utils.NewTimer("compile", utils.WithLogger(d.logger))
	return d, nil
}

// Tables exposes the artifact tables, e.g. to the image writer.
func (d *Driver) Tables() *artifact.Tables { return d.tables }

// Ledger exposes the patch ledger. Snapshots are only valid once the
// compile phase sealed it.
func (d *Driver) Ledger() *patch.Ledger { return d.ledger }

// Timer exposes the per-phase timings of the run.
func (d *Driver) Timer() *utils.Timer { return d.timer }

// DedupeCounts returns the number of unique blobs per store, in the order
// code, mapping, vmap, gc map.
func (d *Driver) DedupeCounts() (code, mapping, vmap, gcMap int) {
	return d.codeStore.Len(), d.mappingStore.Len(), d.vmapStore.Len(), d.gcMapStore.Len()
}

// Stats returns a copy of the merged run statistics.
func (d *Driver) Stats() statistics.CompilationStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	s := d.stats
	s.TypesInCache += d.typesInCache.Load()
	s.TypesNotInCache += d.typesNotInCache.Load()
	return s
}

func (d *Driver) mergeStats(locals []interface{}) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	for _, l := range locals {
		d.stats.Merge(l.(*statistics.CompilationStats))
	}
}

// Trampoline returns the blob for the given kind, generating it on first
// use. Trampolines are fixed per run, so repeated calls return the same
// bytes.
func (d *Driver) Trampoline(kind backend.TrampolineKind) []byte {
	d.trampolineMu.Lock()
	defer d.trampolineMu.Unlock()
	blob, ok := d.trampolines[kind]
	if !ok {
		blob = d.backend.CreateTrampoline(kind)
		d.trampolines[kind] = blob
	}
	return blob
}

// Trampolines returns all trampoline blobs keyed by kind.
func (d *Driver) Trampolines() map[backend.TrampolineKind][]byte {
	out := make(map[backend.TrampolineKind][]byte, len(backend.AllTrampolines))
	for _, kind := range backend.AllTrampolines {
		out[kind] = d.Trampoline(kind)
	}
	return out
}

// AddRequiresConstructorBarrier records that some constructor of the class
// assigns a final instance field, so its compiled constructors must end
// with a store barrier.
func (d *Driver) AddRequiresConstructorBarrier(ref dex.ClassRef) {
	d.barrierMu.Lock()
	defer d.barrierMu.Unlock()
	d.barriers[ref] = true
}

func (d *Driver) isImageClass(descriptor string) bool {
	return d.opts.ImageClasses.Matches(descriptor)
}

func (d *Driver) storeVerified(ref dex.ClassRef, res *verifier.ClassResult) {
	d.verifiedMu.Lock()
	defer d.verifiedMu.Unlock()
	d.verified[ref] = res
}

func (d *Driver) verifiedResult(ref dex.ClassRef) *verifier.ClassResult {
	d.verifiedMu.RLock()
	defer d.verifiedMu.RUnlock()
	return d.verified[ref]
}

package driver

import (
	"context"
	stderrors "errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dex-aot/internal/artifact"
	"github.com/dex-aot/internal/backend"
	"github.com/dex-aot/internal/dex"
	"github.com/dex-aot/internal/profileguide"
	"github.com/dex-aot/internal/statistics"
	"github.com/dex-aot/internal/verifier"
	"github.com/dex-aot/pkg/errors"
	"github.com/dex-aot/pkg/parallel"
)

// Phase names, in execution order. Each phase joins completely before the
// next starts; no work items from two phases ever overlap.
const (
	phaseLoadImageClasses   = "load_image_classes"
	phaseResolve            = "resolve"
	phaseVerify             = "verify"
	phaseInitializeClasses  = "initialize_classes"
	phaseUpdateImageClasses = "update_image_classes"
	phaseCompile            = "compile"
)

// CompileAll runs the full phase pipeline over the loader's containers.
// Per-class failures (resolution, verification) degrade that class and
// never abort the run; an error return means the run itself is broken:
// a cancelled context, a backend failure or an invariant violation.
func (d *Driver) CompileAll(ctx context.Context, loader *dex.Loader) error {
	d.loader = loader

	ctx, span := d.tracer.Start(ctx, "CompileAll", trace.WithAttributes(
		attribute.String("instruction_set", d.opts.InstructionSet),
		attribute.Bool("image", d.opts.Image),
		attribute.Int("containers", len(loader.Files())),
		attribute.Int("threads", d.opts.ThreadCount),
	))
	defer span.End()

	type phase struct {
		name string
		run  func(context.Context) error
	}
	phases := []phase{
		{phaseResolve, d.resolvePhase},
		{phaseVerify, d.verifyPhase},
	}
	if d.opts.Image {
		phases = append([]phase{{phaseLoadImageClasses, d.loadImageClasses}}, phases...)
		phases = append(phases,
			phase{phaseInitializeClasses, d.initializeClassesPhase},
			phase{phaseUpdateImageClasses, d.updateImageClassesPhase},
		)
	}
	phases = append(phases, phase{phaseCompile, d.compilePhase})

	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return err
		}
		pctx, pspan := d.tracer.Start(ctx, p.name)
		_, err := d.timer.TimeFuncWithError(p.name, func() error {
			return p.run(pctx)
		})
		pspan.End()
		if err != nil {
			span.RecordError(err)
			return err
		}
	}

	// The compile join passed: no worker can append patches anymore.
	d.ledger.Seal()

	for _, kind := range backend.AllTrampolines {
		d.Trampoline(kind)
	}

	d.logRunSummary()
	return nil
}

// CompileOne compiles a single method, running resolution and verification
// for just its class. Used by diagnostics and by tooling that inspects one
// method's generated code.
func (d *Driver) CompileOne(ctx context.Context, loader *dex.Loader, ref dex.ClassRef, methodIdx uint32) error {
	d.loader = loader

	desc := ref.Descriptor()
	if _, err := loader.Resolve(desc); err != nil {
		return errors.Wrap(errors.CodeResolveError, "failed to resolve "+desc, err)
	}
	d.tables.SetClassStatus(ref, artifact.StatusResolved)

	stats := &statistics.CompilationStats{}
	defer d.mergeStats([]interface{}{stats})

	if d.tables.ClassStatus(ref) < artifact.StatusVerified {
		d.verifyClass(ref, stats)
	}

	def := ref.Def()
	for i := range def.Methods {
		m := &def.Methods[i]
		if m.MethodIdx != methodIdx {
			continue
		}
		return d.compileMethod(ctx, loader, ref, m, stats)
	}
	return errors.Newf(errors.CodeNotFound, "method %d not declared by %s", methodIdx, desc)
}

// forEachClass runs fn for every class definition, one container at a time
// in search-path order, classes within a container in parallel. It merges
// each worker's local statistics at the per-container join.
func (d *Driver) forEachClass(ctx context.Context, fn func(ctx context.Context, ref dex.ClassRef, stats *statistics.CompilationStats) error) error {
	for _, file := range d.loader.Files() {
		file := file
		collector, setup := parallel.NewLocalCollector(func(workerID int) interface{} {
			return &statistics.CompilationStats{}
		})
		pool := parallel.NewWorkerPool(parallel.DefaultPoolConfig().WithWorkers(d.opts.ThreadCount)).
			WithWorkerSetup(setup)

		err := pool.Run(ctx, len(file.ClassDefs), func(ctx context.Context, wctx *parallel.WorkerContext, i int) error {
			ref := dex.ClassRef{File: file, ClassDefIdx: uint16(i)}
			return fn(ctx, ref, wctx.Local.(*statistics.CompilationStats))
		})
		d.mergeStats(collector.Locals())
		if err != nil {
			return err
		}
	}
	return nil
}

// loadImageClasses resolves every descriptor listed in the image-class
// file before the resolve phase widens to all containers. A listed class
// that fails to resolve is logged and simply never becomes an image class.
func (d *Driver) loadImageClasses(ctx context.Context) error {
	if d.opts.ImageClasses == nil || d.opts.ImageClasses.MatchAll() {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.ThreadCount)
	for _, desc := range d.opts.ImageClasses.Descriptors() {
		desc := desc
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cls, err := d.loader.Resolve(desc)
			if err != nil {
				d.logger.Warn("image class %s failed to resolve: %v", desc, err)
				return nil
			}
			d.tables.SetClassStatus(cls.Ref, artifact.StatusResolved)
			return nil
		})
	}
	return g.Wait()
}

// resolvePhase links every class definition through the loader context.
// Failures leave the class not-ready; later phases skip it.
func (d *Driver) resolvePhase(ctx context.Context) error {
	return d.forEachClass(ctx, func(ctx context.Context, ref dex.ClassRef, stats *statistics.CompilationStats) error {
		desc := ref.Descriptor()
		cls, err := d.loader.Resolve(desc)
		if err != nil {
			stats.ClassesFailed++
			d.logger.Debug("failed to resolve %s: %v", desc, err)
			return nil
		}
		// A duplicate definition shadowed by an earlier container gets no
		// status of its own.
		if cls.Ref == ref {
			d.tables.SetClassStatus(ref, artifact.StatusResolved)
			stats.ClassesResolved++
		}
		return nil
	})
}

// verifyPhase verifies every resolved class. Verification failure is
// terminal for the class but soft for the run.
func (d *Driver) verifyPhase(ctx context.Context) error {
	return d.forEachClass(ctx, func(ctx context.Context, ref dex.ClassRef, stats *statistics.CompilationStats) error {
		if d.tables.ClassStatus(ref) < artifact.StatusResolved {
			return nil
		}
		d.verifyClass(ref, stats)
		return nil
	})
}

func (d *Driver) verifyClass(ref dex.ClassRef, stats *statistics.CompilationStats) {
	if ref.Def().FinalInstanceFieldSet {
		d.AddRequiresConstructorBarrier(ref)
	}
	res, err := d.verifier.VerifyClass(d.loader, ref)
	if err != nil {
		stats.ClassesVerifyError++
		d.tables.SetClassStatus(ref, artifact.StatusVerifyError)
		d.logger.Debug("verification of %s failed: %v", ref.Descriptor(), err)
		return
	}
	d.storeVerified(ref, res)
	d.tables.SetClassStatus(ref, artifact.StatusVerified)
	stats.ClassesVerified++
}

// initializeClassesPhase eagerly runs static initialization for verified
// image classes so their compiled code can skip initialization checks.
func (d *Driver) initializeClassesPhase(ctx context.Context) error {
	return d.forEachClass(ctx, func(ctx context.Context, ref dex.ClassRef, stats *statistics.CompilationStats) error {
		if d.tables.ClassStatus(ref) != artifact.StatusVerified {
			return nil
		}
		desc := ref.Descriptor()
		if !d.isImageClass(desc) {
			return nil
		}
		cls := d.loader.Lookup(desc)
		if cls == nil {
			return nil
		}
		d.loader.Initialize(cls)
		d.tables.SetClassStatus(ref, artifact.StatusInitialized)
		stats.ClassesInitialized++
		return nil
	})
}

// updateImageClassesPhase closes the image-class set over superclasses:
// a class pinned in the image pins its whole superclass chain.
func (d *Driver) updateImageClassesPhase(ctx context.Context) error {
	if d.opts.ImageClasses == nil || d.opts.ImageClasses.MatchAll() {
		return nil
	}
	for _, entry := range d.tables.ClassSnapshot() {
		if entry.Status < artifact.StatusResolved {
			continue
		}
		desc := entry.Ref.Descriptor()
		if !d.isImageClass(desc) {
			continue
		}
		cls := d.loader.Lookup(desc)
		if cls == nil {
			continue
		}
		for super := cls.Super; super != nil; super = super.Super {
			if !d.isImageClass(super.Descriptor) {
				d.opts.ImageClasses.Add(super.Descriptor)
			}
		}
	}
	return nil
}

// compilePhase generates code for every method of every verified class.
func (d *Driver) compilePhase(ctx context.Context) error {
	return d.forEachClass(ctx, func(ctx context.Context, ref dex.ClassRef, stats *statistics.CompilationStats) error {
		def := ref.Def()
		for i := range def.Methods {
			if err := d.compileMethod(ctx, d.loader, ref, &def.Methods[i], stats); err != nil {
				return err
			}
		}
		return nil
	})
}

// compileMethod compiles one method, honoring the class status, the
// dex-to-dex fallback and the hot-method restriction. Per-method declines
// are soft; only backend failures and invariant violations propagate.
func (d *Driver) compileMethod(ctx context.Context, loader *dex.Loader, ref dex.ClassRef, m *dex.MethodDef, stats *statistics.CompilationStats) error {
	if m.Code == nil {
		stats.MethodsSkipped++
		return nil
	}

	status := d.tables.ClassStatus(ref)
	if status == artifact.StatusVerifyError {
		// The class is uncompilable to native code; the bytecode-level
		// fallback still applies when configured.
		if d.opts.VerifyErrorFallback != artifact.DexToDexSkip {
			stats.MethodsDexToDex++
		} else {
			stats.MethodsSkipped++
		}
		return nil
	}
	if status < artifact.StatusVerified {
		stats.MethodsSkipped++
		return nil
	}

	mid, ok := ref.File.MethodID(m.MethodIdx)
	if !ok {
		stats.MethodsSkipped++
		return nil
	}
	if d.opts.HotMethods != nil && !d.opts.HotMethods.Contains(profileguide.Key(ref.Descriptor(), mid.Name)) {
		stats.MethodsSkipped++
		return nil
	}

	ar := d.arenas.Get()
	defer d.arenas.Put(ar)

	var verified *verifier.VerifiedMethod
	if res := d.verifiedResult(ref); res != nil {
		verified = res.Method(m.MethodIdx)
	}
	unit := &backend.CompilationUnit{
		MethodRef: dex.MethodRef{File: ref.File, MethodIdx: m.MethodIdx},
		ClassRef:  ref,
		Def:       m,
		Verified:  verified,
		Arena:     ar,
		Stats:     stats,
	}

	compiled, err := d.backend.CompileMethod(ctx, d, unit)
	if err != nil {
		if stderrors.Is(err, backend.ErrNoCode) {
			stats.MethodsNoCode++
			return nil
		}
		if stderrors.Is(err, context.Canceled) || errors.IsInvariantViolation(err) {
			return err
		}
		return errors.Wrap(errors.CodeBackendError,
			"backend failed on "+ref.Descriptor()+"->"+mid.Name, err)
	}

	if err := d.tables.PutMethod(unit.MethodRef, compiled); err != nil {
		return err
	}
	stats.MethodsCompiled++
	return nil
}

func (d *Driver) logRunSummary() {
	stats := d.Stats()
	d.logger.Info("compilation finished: %d classes, %d methods, %d patches pending",
		d.tables.ClassCount(), d.tables.MethodCount(), pendingPatches(d))
	if d.opts.DumpStats {
		d.logger.Info("%s", stats.Summary())
	}
	if d.opts.DumpTimings {
		d.timer.PrintSummary()
	}
}

func pendingPatches(d *Driver) int {
	calls, relative, types := d.ledger.Counts()
	return calls + relative + types
}

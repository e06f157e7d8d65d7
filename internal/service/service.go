// Package service ties the pipeline together: it builds a driver from
// configuration, runs it over the input containers, writes the image-input
// file and handles run recording and artifact upload.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dex-aot/internal/backend"
	"github.com/dex-aot/internal/dex"
	"github.com/dex-aot/internal/driver"
	"github.com/dex-aot/internal/imagewriter"
	"github.com/dex-aot/internal/repository"
	"github.com/dex-aot/internal/storage"
	"github.com/dex-aot/internal/verifier"
	"github.com/dex-aot/pkg/config"
	"github.com/dex-aot/pkg/model"
	"github.com/dex-aot/pkg/utils"
)

// Service runs complete compilation jobs.
type Service struct {
	config  *config.Config
	logger  utils.Logger
	repo    repository.RunRepository
	storage storage.Storage
}

// New creates a Service. Database and storage connections are established
// lazily by Initialize.
func New(cfg *config.Config, logger utils.Logger) (*Service, error) {
	if logger == nil {
		logger = utils.NewDefaultLogger(utils.LevelInfo, io.Discard)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{config: cfg, logger: logger}, nil
}

// Initialize opens the external dependencies the configuration asks for:
// the run-record database and the artifact store.
func (s *Service) Initialize(ctx context.Context) error {
	if s.config.Output.RecordRun {
		s.logger.Info("connecting to database (%s)...", s.config.Database.Type)
		db, err := repository.NewGormDB(&s.config.Database)
		if err != nil {
			return err
		}
		if err := repository.Migrate(db); err != nil {
			return err
		}
		s.repo = repository.NewGormRunRepository(db)
	}

	if s.config.Output.Upload {
		st, err := storage.New(&s.config.Storage)
		if err != nil {
			return err
		}
		s.storage = st
	}
	return nil
}

// Result summarizes one completed compilation job.
type Result struct {
	RunUUID     string
	OutputPath  string
	UploadedURL string
	Classes     int
	Methods     int
	Patches     int
	Duration    time.Duration
}

// Compile runs the full pipeline over the given container files.
func (s *Service) Compile(ctx context.Context, containerPaths []string) (*Result, error) {
	started := time.Now()
	runUUID := newRunUUID()

	files, err := dex.LoadFiles(containerPaths)
	if err != nil {
		return nil, err
	}
	loader := dex.NewLoader(files)

	opts, err := driver.OptionsFromConfig(s.config, s.logger)
	if err != nil {
		return nil, err
	}
	d, err := driver.New(opts, verifier.NewBasic(),
		backend.NewBaseline(s.config.Compiler.InstructionSet))
	if err != nil {
		return nil, err
	}

	var run *model.CompileRun
	if s.repo != nil {
		run = &model.CompileRun{
			UUID:           runUUID,
			InstructionSet: s.config.Compiler.InstructionSet,
			Image:          s.config.Compiler.Image,
			Containers:     len(files),
			ThreadCount:    s.config.Compiler.ThreadCount,
			StartedAt:      started,
		}
		if err := s.repo.CreateRun(ctx, run); err != nil {
			// Recording is best effort; the compilation itself proceeds.
			s.logger.Warn("failed to create run record: %v", err)
			run = nil
		}
	}

	res, err := s.compileAndWrite(ctx, d, loader, runUUID)
	if err != nil {
		if run != nil {
			if ferr := s.repo.FailRun(ctx, run.ID, err.Error()); ferr != nil {
				s.logger.Warn("failed to mark run failed: %v", ferr)
			}
		}
		return nil, err
	}
	res.RunUUID = runUUID
	res.Duration = time.Since(started)

	if run != nil {
		stats := d.Stats()
		run.ClassesResolved = stats.ClassesResolved
		run.ClassesVerified = stats.ClassesVerified
		run.MethodsCompiled = stats.MethodsCompiled
		run.PatchCount = int64(res.Patches)
		run.OutputPath = res.OutputPath
		if err := s.repo.CompleteRun(ctx, run); err != nil {
			s.logger.Warn("failed to complete run record: %v", err)
		}
	}
	return res, nil
}

func (s *Service) compileAndWrite(ctx context.Context, d *driver.Driver, loader *dex.Loader, runUUID string) (*Result, error) {
	if err := d.CompileAll(ctx, loader); err != nil {
		return nil, err
	}

	w, err := imagewriter.New(s.config.Output.Compression, s.logger)
	if err != nil {
		return nil, err
	}
	defer w.Close()

	outDir := s.config.Output.Dir
	written, err := w.Write(d, outDir)
	if err != nil {
		return nil, err
	}

	res := &Result{
		OutputPath: written.Path,
		Classes:    written.Classes,
		Methods:    written.Methods,
		Patches:    written.Patches,
	}

	if s.storage != nil {
		key := storage.ArtifactKey(runUUID, filepath.Base(written.Path))
		if err := s.storage.UploadFile(ctx, key, written.Path); err != nil {
			return nil, err
		}
		res.UploadedURL = s.storage.GetURL(key)
		s.logger.Info("uploaded image input to %s", res.UploadedURL)
	}
	return res, nil
}

// RecentRuns lists recorded runs, newest first. Requires run recording to
// be enabled.
func (s *Service) RecentRuns(ctx context.Context, limit int) ([]*model.CompileRun, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.ListRecentRuns(ctx, limit)
}

// Close releases the service's external connections.
func (s *Service) Close() error {
	if r, ok := s.repo.(*repository.GormRunRepository); ok && r != nil {
		return r.Close()
	}
	return nil
}

func newRunUUID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("run-%d-%s", time.Now().Unix(), hex.EncodeToString(b[:]))
}

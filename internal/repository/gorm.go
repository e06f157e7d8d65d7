package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/dex-aot/pkg/config"
	"github.com/dex-aot/pkg/errors"
	"github.com/dex-aot/pkg/model"
	"github.com/dex-aot/pkg/telemetry"
)

// NewGormDB opens a database connection per configuration. Supported types
// are sqlite, postgres and mysql.
func NewGormDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "dex-aot.db"
		}
		dialector = sqlite.Open(path)
	case "postgres", "postgresql":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database,
		)
		dialector = postgres.Open(dsn)
	case "mysql":
		dsn := fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=Local",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		)
		dialector = mysql.Open(dsn)
	default:
		return nil, errors.Newf(errors.CodeConfigError, "unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeDatabaseError, "failed to open database", err)
	}

	if telemetry.Enabled() {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, errors.Wrap(errors.CodeDatabaseError, "failed to enable telemetry", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(errors.CodeDatabaseError, "failed to get underlying sql.DB", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns / 2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(errors.CodeDatabaseError, "failed to ping database", err)
	}

	return db, nil
}

// Migrate creates or updates the run-record schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&CompileRunRecord{}); err != nil {
		return errors.Wrap(errors.CodeDatabaseError, "migration failed", err)
	}
	return nil
}

// GormRunRepository implements RunRepository using GORM.
type GormRunRepository struct {
	db *gorm.DB
}

// NewGormRunRepository creates a run repository over an open connection.
func NewGormRunRepository(db *gorm.DB) *GormRunRepository {
	return &GormRunRepository{db: db}
}

// CreateRun implements RunRepository.
func (r *GormRunRepository) CreateRun(ctx context.Context, run *model.CompileRun) error {
	run.Status = model.RunStatusRunning
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	rec := recordFromModel(run)
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return errors.Wrap(errors.CodeDatabaseError, "failed to create run record", err)
	}
	run.ID = rec.ID
	return nil
}

// CompleteRun implements RunRepository.
func (r *GormRunRepository) CompleteRun(ctx context.Context, run *model.CompileRun) error {
	now := time.Now()
	run.Status = model.RunStatusSucceeded
	run.FinishedAt = &now
	run.DurationMS = now.Sub(run.StartedAt).Milliseconds()

	result := r.db.WithContext(ctx).
		Model(&CompileRunRecord{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":           string(run.Status),
			"classes_resolved": run.ClassesResolved,
			"classes_verified": run.ClassesVerified,
			"methods_compiled": run.MethodsCompiled,
			"patch_count":      run.PatchCount,
			"output_path":      run.OutputPath,
			"duration_ms":      run.DurationMS,
			"finished_at":      now,
		})
	if result.Error != nil {
		return errors.Wrap(errors.CodeDatabaseError, "failed to complete run record", result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.Newf(errors.CodeNotFound, "run not found: %d", run.ID)
	}
	return nil
}

// FailRun implements RunRepository.
func (r *GormRunRepository) FailRun(ctx context.Context, id int64, info string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&CompileRunRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      string(model.RunStatusFailed),
			"status_info": info,
			"finished_at": now,
		})
	if result.Error != nil {
		return errors.Wrap(errors.CodeDatabaseError, "failed to mark run failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.Newf(errors.CodeNotFound, "run not found: %d", id)
	}
	return nil
}

// GetRunByUUID implements RunRepository.
func (r *GormRunRepository) GetRunByUUID(ctx context.Context, uuid string) (*model.CompileRun, error) {
	var rec CompileRunRecord
	err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&rec).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Newf(errors.CodeNotFound, "run not found: %s", uuid)
		}
		return nil, errors.Wrap(errors.CodeDatabaseError, "failed to get run", err)
	}
	return rec.ToModel(), nil
}

// ListRecentRuns implements RunRepository.
func (r *GormRunRepository) ListRecentRuns(ctx context.Context, limit int) ([]*model.CompileRun, error) {
	var recs []CompileRunRecord
	err := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(errors.CodeDatabaseError, "failed to list runs", err)
	}
	out := make([]*model.CompileRun, len(recs))
	for i := range recs {
		out[i] = recs[i].ToModel()
	}
	return out, nil
}

// Close closes the underlying connection.
func (r *GormRunRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Package imagewriter emits the image-input file: the serialized artifact
// tables, patch ledger and trampolines a downstream image builder consumes.
package imagewriter

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dex-aot/internal/backend"
	"github.com/dex-aot/internal/dedupe"
	"github.com/dex-aot/internal/driver"
	"github.com/dex-aot/internal/patch"
	"github.com/dex-aot/pkg/compression"
	"github.com/dex-aot/pkg/errors"
	"github.com/dex-aot/pkg/utils"
	"github.com/dex-aot/pkg/writer"
)

// Manifest is the JSON layout of the image-input file.
type Manifest struct {
	GeneratedAt    time.Time `json:"generated_at"`
	InstructionSet string    `json:"instruction_set"`

	Classes     []ClassEntry      `json:"classes"`
	Methods     []MethodEntry     `json:"methods"`
	Patches     PatchSection      `json:"patches"`
	Trampolines []TrampolineEntry `json:"trampolines"`
	Stats       map[string]int64  `json:"stats"`
}

// ClassEntry is one class-table row.
type ClassEntry struct {
	Container   string `json:"container"`
	ClassDefIdx uint16 `json:"class_def_idx"`
	Descriptor  string `json:"descriptor"`
	Status      string `json:"status"`
}

// MethodEntry is one method-table row. Blob fields serialize as base64.
type MethodEntry struct {
	Container      string `json:"container"`
	MethodIdx      uint32 `json:"method_idx"`
	InstructionSet string `json:"instruction_set"`
	Code           []byte `json:"code"`
	MappingTable   []byte `json:"mapping_table,omitempty"`
	VMapTable      []byte `json:"vmap_table,omitempty"`
	GCMap          []byte `json:"gc_map,omitempty"`
	FrameSizeBytes uint32 `json:"frame_size_bytes"`
	CoreSpillMask  uint32 `json:"core_spill_mask"`
	FPSpillMask    uint32 `json:"fp_spill_mask"`
}

// PatchSection groups the ledger's record collections.
type PatchSection struct {
	Calls         []patch.Record `json:"calls"`
	RelativeCalls []patch.Record `json:"relative_calls"`
	Types         []patch.Record `json:"types"`
}

// TrampolineEntry is one per-run trampoline blob.
type TrampolineEntry struct {
	Kind string `json:"kind"`
	Blob []byte `json:"blob"`
}

// Result reports what was written.
type Result struct {
	Path           string
	RawSize        int
	CompressedSize int
	Classes        int
	Methods        int
	Patches        int
}

// Writer serializes a completed run. The zero value is not usable; create
// one with New.
type Writer struct {
	compressor compression.Compressor
	logger     utils.Logger
}

// New creates a writer using the named compression: "zstd", "gzip" or
// "none".
func New(compressionType string, logger utils.Logger) (*Writer, error) {
	if logger == nil {
		logger = utils.GetGlobalLogger()
	}
	var (
		c   compression.Compressor
		err error
	)
	switch compressionType {
	case "", "zstd":
		c, err = compression.New(compression.TypeZstd, compression.LevelDefault)
	case "gzip":
		c, err = compression.New(compression.TypeGzip, compression.LevelDefault)
	case "none":
		c = compression.NewNoOpCompressor()
	default:
		return nil, errors.Newf(errors.CodeConfigError, "unknown compression %q", compressionType)
	}
	if err != nil {
		return nil, errors.Wrap(errors.CodeConfigError, "failed to create compressor", err)
	}
	return &Writer{compressor: c, logger: logger}, nil
}

// Close releases compressor resources.
func (w *Writer) Close() {
	compression.Close(w.compressor)
}

// Write serializes the driver's run into outDir and returns what was
// written. It must only run after CompileAll returned: the ledger snapshot
// fails otherwise.
func (w *Writer) Write(d *driver.Driver, outDir string) (*Result, error) {
	ledger, err := d.Ledger().Snapshot()
	if err != nil {
		return nil, err
	}

	stats := d.Stats()
	manifest := &Manifest{
		GeneratedAt:    time.Now().UTC(),
		InstructionSet: d.InstructionSet(),
		Stats:          stats.Snapshot(),
		Patches: PatchSection{
			Calls:         ledger.Calls,
			RelativeCalls: ledger.RelativeCalls,
			Types:         ledger.Types,
		},
	}

	for _, entry := range d.Tables().ClassSnapshot() {
		manifest.Classes = append(manifest.Classes, ClassEntry{
			Container:   entry.Ref.File.Location,
			ClassDefIdx: entry.Ref.ClassDefIdx,
			Descriptor:  entry.Ref.Descriptor(),
			Status:      entry.Status.String(),
		})
	}
	for _, entry := range d.Tables().MethodSnapshot() {
		m := entry.Method
		manifest.Methods = append(manifest.Methods, MethodEntry{
			Container:      entry.Ref.File.Location,
			MethodIdx:      entry.Ref.MethodIdx,
			InstructionSet: m.InstructionSet,
			Code:           m.CodeBytes(),
			MappingTable:   dedupe.Bytes(m.MappingTable),
			VMapTable:      dedupe.Bytes(m.VMapTable),
			GCMap:          dedupe.Bytes(m.GCMap),
			FrameSizeBytes: m.FrameSizeBytes,
			CoreSpillMask:  m.CoreSpillMask,
			FPSpillMask:    m.FPSpillMask,
		})
	}
	trampolines := d.Trampolines()
	for _, kind := range backend.AllTrampolines {
		manifest.Trampolines = append(manifest.Trampolines, TrampolineEntry{
			Kind: kind.String(),
			Blob: trampolines[kind],
		})
	}

	var buf bytes.Buffer
	if err := writer.NewJSONWriter[*Manifest]().Write(manifest, &buf); err != nil {
		return nil, errors.Wrap(errors.CodeStorageError, "failed to serialize image input", err)
	}
	compressed, err := w.compressor.Compress(buf.Bytes())
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageError, "compression failed", err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.CodeStorageError, "failed to create output directory", err)
	}
	path := filepath.Join(outDir, fmt.Sprintf("image_input.json.%s", w.compressor.Name()))
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return nil, errors.Wrap(errors.CodeStorageError, "failed to write image input", err)
	}

	res := &Result{
		Path:           path,
		RawSize:        buf.Len(),
		CompressedSize: len(compressed),
		Classes:        len(manifest.Classes),
		Methods:        len(manifest.Methods),
		Patches:        len(ledger.Calls) + len(ledger.RelativeCalls) + len(ledger.Types),
	}
	w.logger.Info("wrote %s: %d classes, %d methods, %d patches (%d -> %d bytes)",
		res.Path, res.Classes, res.Methods, res.Patches, res.RawSize, res.CompressedSize)
	return res, nil
}

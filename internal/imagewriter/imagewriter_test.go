package imagewriter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dex-aot/internal/backend"
	"github.com/dex-aot/internal/dex"
	"github.com/dex-aot/internal/driver"
	"github.com/dex-aot/internal/verifier"
	"github.com/dex-aot/pkg/compression"
	"github.com/dex-aot/pkg/errors"
)

func compiledDriver(t *testing.T) *driver.Driver {
	t.Helper()

	boot := &dex.File{
		Location: "boot.dex",
		TypeIDs:  []string{"LBase;"},
		MethodIDs: []dex.MethodID{
			{ClassTypeIdx: 0, Name: "helper", Signature: "()V"},
		},
		ClassDefs: []dex.ClassDef{
			{
				TypeIdx:      0,
				SuperTypeIdx: -1,
				AccessFlags:  dex.AccPublic,
				Methods: []dex.MethodDef{
					{MethodIdx: 0, AccessFlags: dex.AccPublic | dex.AccStatic,
						Code: &dex.CodeItem{Insns: []dex.Instruction{{Opcode: dex.OpReturn}}}},
				},
			},
		},
	}

	d, err := driver.New(driver.Options{InstructionSet: "arm64", ThreadCount: 2},
		verifier.NewBasic(), backend.NewBaseline("arm64"))
	require.NoError(t, err)
	require.NoError(t, d.CompileAll(context.Background(), dex.NewLoader([]*dex.File{boot})))
	return d
}

func TestNew_CompressionSelection(t *testing.T) {
	for name, want := range map[string]string{
		"":     "zstd",
		"zstd": "zstd",
		"gzip": "gzip",
		"none": "none",
	} {
		w, err := New(name, nil)
		require.NoError(t, err, name)
		assert.Equal(t, want, w.compressor.Name(), name)
		w.Close()
	}

	_, err := New("lz4", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfigError, errors.GetErrorCode(err))
}

func TestWrite_ManifestRoundTrip(t *testing.T) {
	d := compiledDriver(t)
	outDir := t.TempDir()

	w, err := New("none", nil)
	require.NoError(t, err)
	defer w.Close()

	res, err := w.Write(d, outDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, "image_input.json.none"), res.Path)
	assert.Equal(t, 1, res.Classes)
	assert.Equal(t, 1, res.Methods)
	assert.Zero(t, res.Patches)
	assert.Equal(t, res.RawSize, res.CompressedSize)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(data, &manifest))

	assert.Equal(t, "arm64", manifest.InstructionSet)
	require.Len(t, manifest.Classes, 1)
	assert.Equal(t, "LBase;", manifest.Classes[0].Descriptor)
	assert.Equal(t, "verified", manifest.Classes[0].Status)

	require.Len(t, manifest.Methods, 1)
	assert.Equal(t, "boot.dex", manifest.Methods[0].Container)
	assert.NotEmpty(t, manifest.Methods[0].Code)
	assert.NotZero(t, manifest.Methods[0].FrameSizeBytes)

	require.Len(t, manifest.Trampolines, len(backend.AllTrampolines))
	// Trampolines serialize in emission order.
	assert.Equal(t, backend.TrampolineInterpreterBridge.String(), manifest.Trampolines[0].Kind)
	assert.NotEmpty(t, manifest.Trampolines[0].Blob)

	assert.Equal(t, int64(1), manifest.Stats["methods_compiled"])
}

func TestWrite_CompressedOutput(t *testing.T) {
	d := compiledDriver(t)
	outDir := t.TempDir()

	w, err := New("zstd", nil)
	require.NoError(t, err)
	defer w.Close()

	res, err := w.Write(d, outDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "image_input.json.zstd"), res.Path)
	assert.Less(t, res.CompressedSize, res.RawSize)

	// The payload round-trips through the compressor.
	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	raw, err := compression.AutoDecompress(data)
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Len(t, manifest.Methods, 1)
}

func TestWrite_RequiresSealedLedger(t *testing.T) {
	// A driver that never ran has an unsealed ledger; writing is an
	// invariant violation, not a silent partial image.
	d, err := driver.New(driver.Options{InstructionSet: "arm64"},
		verifier.NewBasic(), backend.NewBaseline("arm64"))
	require.NoError(t, err)

	w, err := New("none", nil)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write(d, t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.IsInvariantViolation(err))
}

package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mrivolprep/internal/models"
	"mrivolprep/pkg/nifti"
	"mrivolprep/pkg/preprocess"
)

var testTarget = models.Shape{Depth: 4, Height: 6, Width: 6}

// brainVolume creates a synthetic scan: zero background with a textured block
func brainVolume(shape models.Shape, scale float64) *models.Volume {
	v := models.NewVolume(shape)
	for z := 1; z < shape.Depth-1; z++ {
		for y := 2; y < shape.Height-2; y++ {
			for x := 2; x < shape.Width-2; x++ {
				v.Set(z, y, x, scale*(10+float64(x)+0.5*float64(y)+0.25*float64(z)))
			}
		}
	}
	return v
}

func writeVolume(t *testing.T, path string, v *models.Volume) {
	t.Helper()
	require.NoError(t, nifti.Write(path, v))
}

func newPipeline(t *testing.T) *preprocess.Pipeline {
	t.Helper()
	p, err := preprocess.NewPipeline(preprocess.Params{Target: testTarget, Seed: 3})
	require.NoError(t, err)
	return p
}

func TestFindClassesSorted(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "B"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "A"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0644))

	classes, err := FindClasses(root)
	require.NoError(t, err)
	assert.Equal(t, 2, classes.Len())
	assert.Equal(t, []string{"A", "B"}, classes.Names())

	a, ok := classes.Index("A")
	require.True(t, ok)
	assert.Equal(t, 0, a)
	b, ok := classes.Index("B")
	require.True(t, ok)
	assert.Equal(t, 1, b)

	name, ok := classes.Name(1)
	require.True(t, ok)
	assert.Equal(t, "B", name)

	_, ok = classes.Index("C")
	assert.False(t, ok)
	_, ok = classes.Name(2)
	assert.False(t, ok)
}

func TestFindClassesEmptyRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "scan.nii.gz"), []byte("x"), 0644))

	_, err := FindClasses(root)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClassNotFound))

	_, err = NewClassTable(nil)
	assert.True(t, errors.Is(err, ErrClassNotFound))
}

func TestParseModeAndModality(t *testing.T) {
	for _, s := range []string{"test", "evaluate", "EVAL"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, ModeEvaluate, m)
	}
	m, err := ParseMode("train")
	require.NoError(t, err)
	assert.Equal(t, ModeTrain, m)
	_, err = ParseMode("validate")
	assert.Error(t, err)

	mod, err := ParseModality("dual")
	require.NoError(t, err)
	assert.Equal(t, 2, mod.Channels())
	_, err = ParseModality("triple")
	assert.Error(t, err)
}

func TestTrainSingleModality(t *testing.T) {
	root := t.TempDir()
	shape := models.Shape{Depth: 8, Height: 12, Width: 12}
	writeVolume(t, filepath.Join(root, "glioma", "p1.nii.gz"), brainVolume(shape, 1))
	writeVolume(t, filepath.Join(root, "glioma", "p2.nii"), brainVolume(shape, 2))
	writeVolume(t, filepath.Join(root, "healthy", "p3.nii.gz"), brainVolume(shape, 3))
	require.NoError(t, os.WriteFile(filepath.Join(root, "healthy", "readme.txt"), []byte("x"), 0644))

	e, err := New(Config{Root: root, Mode: ModeTrain, Modality: Single, Pipeline: newPipeline(t)})
	require.NoError(t, err)
	require.Equal(t, 3, e.Len())
	assert.Equal(t, []string{"glioma", "healthy"}, e.Classes().Names())

	s, err := e.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 6, 6}, []int(s.Tensor.Shape()))
	assert.True(t, s.HasLabel)
	assert.Equal(t, 1, s.Label)
	assert.Equal(t, filepath.Join(root, "healthy", "p3.nii.gz"), s.Path)
	require.Len(t, s.Results, 1)
	assert.True(t, s.Results[0].Clipped)

	_, ok := s.Tensor.Data().([]float32)
	assert.True(t, ok)
}

func TestTrainDualModality(t *testing.T) {
	root := t.TempDir()
	shape := models.Shape{Depth: 8, Height: 10, Width: 10}
	for _, class := range []string{"A", "B"} {
		dir := filepath.Join(root, class, "patient_"+strings.ToLower(class))
		writeVolume(t, filepath.Join(dir, "scan_t1.nii.gz"), brainVolume(shape, 1))
		writeVolume(t, filepath.Join(dir, "scan_t2.nii.gz"), brainVolume(shape, 50))
	}

	e, err := New(Config{Root: root, Mode: ModeTrain, Modality: Dual, Pipeline: newPipeline(t)})
	require.NoError(t, err)
	require.Equal(t, 2, e.Len())

	d, err := e.Descriptor(1)
	require.NoError(t, err)
	assert.Equal(t, "B", d.ClassName)
	assert.Empty(t, d.Paths)

	s, err := e.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6, 6}, []int(s.Tensor.Shape()))
	assert.Equal(t, 1, s.Label)
	assert.Equal(t, filepath.Join(root, "B", "patient_b"), s.Path)

	name, err := e.ChannelName(1, 1)
	require.NoError(t, err)
	assert.Equal(t, "B_patient_b_t2", name)
	_, err = e.ChannelName(1, 2)
	assert.Error(t, err)

	// Channels are normalized independently
	require.Len(t, s.Results, 2)
	assert.InDelta(t, 50*s.Results[0].Stats.Mean, s.Results[1].Stats.Mean, 1e-6)
	assert.InDelta(t, 50*s.Results[0].Stats.Std, s.Results[1].Stats.Std, 1e-6)
}

func TestTrainDualMissingSequenceIsFatal(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "A", "p1")
	writeVolume(t, filepath.Join(dir, "p1_t1.nii.gz"), brainVolume(models.Shape{Depth: 6, Height: 8, Width: 8}, 1))

	e, err := New(Config{Root: root, Mode: ModeTrain, Modality: Dual, Pipeline: newPipeline(t)})
	require.NoError(t, err)

	_, err = e.Get(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingVolume))

	var exErr *ExampleError
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, 0, exErr.Index)
	assert.Equal(t, dir, exErr.Source)
}

func TestTrainEmptyRootIsConfigurationError(t *testing.T) {
	_, err := New(Config{Root: t.TempDir(), Mode: ModeTrain, Pipeline: newPipeline(t)})
	assert.True(t, errors.Is(err, ErrClassNotFound))
}

func TestEvaluateManifest(t *testing.T) {
	dir := t.TempDir()
	shape := models.Shape{Depth: 8, Height: 10, Width: 10}
	t1 := filepath.Join(dir, "case", "case_t1.nii.gz")
	t2 := filepath.Join(dir, "case", "case_t2.nii.gz")
	writeVolume(t, t1, brainVolume(shape, 1))
	writeVolume(t, t2, brainVolume(shape, 2))

	manifest := filepath.Join(dir, "test.txt")
	content := "# evaluation set\n" + t1 + "  " + t2 + "\n\n" + t1 + "\t" + t2 + "\n"
	require.NoError(t, os.WriteFile(manifest, []byte(content), 0644))

	e, err := New(Config{Manifest: manifest, Mode: ModeEvaluate, Modality: Dual, Pipeline: newPipeline(t)})
	require.NoError(t, err)
	require.Equal(t, 2, e.Len())
	assert.Nil(t, e.Classes())

	d, err := e.Descriptor(1)
	require.NoError(t, err)
	assert.Equal(t, 4, d.Line)
	assert.False(t, d.Labelled())

	s, err := e.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6, 6}, []int(s.Tensor.Shape()))
	assert.False(t, s.HasLabel)
	for _, res := range s.Results {
		assert.False(t, res.Clipped, "evaluate mode skips the range clipper")
	}
}

type nameRecorder struct {
	mu    sync.Mutex
	names map[string]bool
}

func (r *nameRecorder) Observe(name string, stage preprocess.Stage, v *models.Volume) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[name] = true
	return nil
}

func TestEvaluateStageNamesAreUnique(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "p1", "t1.nii.gz")
	second := filepath.Join(dir, "p2", "t1.nii.gz")
	writeVolume(t, first, brainVolume(models.Shape{Depth: 6, Height: 8, Width: 8}, 1))
	writeVolume(t, second, brainVolume(models.Shape{Depth: 6, Height: 8, Width: 8}, 2))
	manifest := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(manifest, []byte(first+"\n"+second+"\n"), 0644))

	recorder := &nameRecorder{names: map[string]bool{}}
	p, err := preprocess.NewPipeline(preprocess.Params{Target: testTarget, Seed: 3, Observer: recorder})
	require.NoError(t, err)
	e, err := New(Config{Manifest: manifest, Mode: ModeEvaluate, Modality: Single, Pipeline: p})
	require.NoError(t, err)

	for i := 0; i < e.Len(); i++ {
		_, err := e.Get(context.Background(), i)
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]bool{"0000_t1": true, "0001_t1": true}, recorder.names)
}

func TestEvaluateClipOnEvaluate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.nii.gz")
	writeVolume(t, path, brainVolume(models.Shape{Depth: 8, Height: 10, Width: 10}, 1))
	manifest := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(manifest, []byte(path+"\n"), 0644))

	e, err := New(Config{Manifest: manifest, Mode: ModeEvaluate, Modality: Single, Pipeline: newPipeline(t), ClipOnEvaluate: true})
	require.NoError(t, err)

	s, err := e.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 6, 6}, []int(s.Tensor.Shape()))
	assert.True(t, s.Results[0].Clipped)
}

func TestEvaluateMalformedManifest(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "test.txt")
	require.NoError(t, os.WriteFile(manifest, []byte("a_t1.nii.gz b_t2.nii.gz\nonly_one.nii.gz\n"), 0644))

	_, err := New(Config{Manifest: manifest, Mode: ModeEvaluate, Modality: Dual, Pipeline: newPipeline(t)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrManifestFormat))
	assert.Contains(t, err.Error(), ":2")
}

func TestEvaluateMissingFile(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "test.txt")
	require.NoError(t, os.WriteFile(manifest, []byte("/does/not/exist.nii.gz\n"), 0644))

	e, err := New(Config{Manifest: manifest, Mode: ModeEvaluate, Modality: Single, Pipeline: newPipeline(t)})
	require.NoError(t, err)

	_, err = e.Get(context.Background(), 0)
	assert.True(t, errors.Is(err, ErrMissingVolume))
}

func TestDegenerateVolumeIsFatal(t *testing.T) {
	root := t.TempDir()
	writeVolume(t, filepath.Join(root, "A", "blank.nii.gz"), models.NewVolume(models.Shape{Depth: 4, Height: 4, Width: 4}))

	e, err := New(Config{Root: root, Mode: ModeTrain, Modality: Single, Pipeline: newPipeline(t)})
	require.NoError(t, err)

	_, err = e.Get(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, preprocess.ErrDegenerateVolume))
}

func TestGetHonorsCancellation(t *testing.T) {
	root := t.TempDir()
	writeVolume(t, filepath.Join(root, "A", "p.nii.gz"), brainVolume(models.Shape{Depth: 6, Height: 8, Width: 8}, 1))

	e, err := New(Config{Root: root, Mode: ModeTrain, Modality: Single, Pipeline: newPipeline(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Get(ctx, 0)
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = e.Get(context.Background(), 5)
	assert.Error(t, err)
}

func TestConcurrentGetReloadsEachTime(t *testing.T) {
	root := t.TempDir()
	writeVolume(t, filepath.Join(root, "A", "p.nii.gz"), brainVolume(models.Shape{Depth: 6, Height: 8, Width: 8}, 1))

	var mu sync.Mutex
	loads := 0
	load := func(path string) (*models.Volume, error) {
		mu.Lock()
		loads++
		mu.Unlock()
		return nifti.ReadVolume(path)
	}

	e, err := New(Config{Root: root, Mode: ModeTrain, Modality: Single, Pipeline: newPipeline(t), Load: load})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Get(context.Background(), 0)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 8, loads)
}

package visualization

import (
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"mrivolprep/internal/models"
	"mrivolprep/pkg/preprocess"
)

func gradientVolume(width, height, depth int) *models.Volume {
	v := models.NewVolume(models.Shape{Depth: depth, Height: height, Width: width})
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Set(z, y, x, float64(x)/float64(width)+float64(y)/float64(height)+float64(z)/float64(depth))
			}
		}
	}
	return v
}

// TestNewViewer verifies the intensity window is taken from the volume
func TestNewViewer(t *testing.T) {
	v := models.NewVolume(models.Shape{Depth: 2, Height: 3, Width: 4})
	v.Data[0] = -2
	v.Data[len(v.Data)-1] = 7

	viewer, err := NewViewer(v)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	low, high := viewer.Window()
	if low != -2 || high != 7 {
		t.Errorf("Expected window [-2, 7], got [%g, %g]", low, high)
	}

	if err := viewer.SetWindow(1, 0); err == nil {
		t.Error("Expected error for inverted window, got nil")
	}

	if _, err := NewViewer(&models.Volume{Width: 2, Height: 2, Depth: 2}); err == nil {
		t.Error("Expected error for volume without data, got nil")
	}
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	v := models.NewVolume(models.Shape{Depth: depth, Height: height, Width: width})

	// Each slice along Z has a unique value
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Set(z, y, x, float64(z)*10)
			}
		}
	}

	viewer, err := NewViewer(v)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}

		gray16Img, ok := img.(*image.Gray16)
		if !ok {
			t.Fatalf("Expected *image.Gray16, got %T", img)
		}

		// The window spans [0, 40], so slice z maps to z/4 of full scale
		expectedValue := float64(z) / float64(depth-1) * 65535
		centerValue := gray16Img.Gray16At(width/2, height/2).Y
		if math.Abs(float64(centerValue)-expectedValue) > 1.0 {
			t.Errorf("Expected Z slice value ~%.0f at center, got %d", expectedValue, centerValue)
		}
	}

	imgX, err := viewer.ExtractSlice("x", width/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	boundsX := imgX.Bounds()
	if boundsX.Dx() != depth || boundsX.Dy() != height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d",
			depth, height, boundsX.Dx(), boundsX.Dy())
	}

	imgY, err := viewer.ExtractSlice("Y", height/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	boundsY := imgY.Bounds()
	if boundsY.Dx() != width || boundsY.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d",
			width, depth, boundsY.Dx(), boundsY.Dy())
	}

	// Along X each column of the YZ image is one depth
	xGray := imgX.(*image.Gray16)
	if xGray.Gray16At(0, 0).Y != 0 || xGray.Gray16At(depth-1, 0).Y != 65535 {
		t.Errorf("Expected X slice to run from black to white along depth, got %d and %d",
			xGray.Gray16At(0, 0).Y, xGray.Gray16At(depth-1, 0).Y)
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err := viewer.ExtractSlice("z", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

// TestConstantVolumeIsBlack verifies a flat volume does not divide by zero
func TestConstantVolumeIsBlack(t *testing.T) {
	v := models.NewVolume(models.Shape{Depth: 2, Height: 2, Width: 2})
	for i := range v.Data {
		v.Data[i] = 3
	}
	viewer, err := NewViewer(v)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}
	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	if got := img.(*image.Gray16).Gray16At(1, 1).Y; got != 0 {
		t.Errorf("Expected black pixel, got %d", got)
	}
}

// TestExtractRegion verifies that 3D regions are correctly extracted
func TestExtractRegion(t *testing.T) {
	width, height, depth := 10, 10, 5
	v := gradientVolume(width, height, depth)

	viewer, err := NewViewer(v)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	startX, startY, startZ := 2, 3, 1
	sizeX, sizeY, sizeZ := 4, 3, 2

	region, err := viewer.ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ)
	if err != nil {
		t.Fatalf("Failed to extract region: %v", err)
	}

	if region.Width != sizeX || region.Height != sizeY || region.Depth != sizeZ {
		t.Errorf("Expected region %dx%dx%d, got %s", sizeX, sizeY, sizeZ, region.Shape())
	}

	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			for x := 0; x < sizeX; x++ {
				want := v.At(startZ+z, startY+y, startX+x)
				if got := region.At(z, y, x); got != want {
					t.Errorf("Region value mismatch at (%d,%d,%d): expected %f, got %f", x, y, z, want, got)
				}
			}
		}
	}

	if _, err := viewer.ExtractRegion(-1, 0, 0, 1, 1, 1); err == nil {
		t.Error("Expected error for negative start coordinate, got nil")
	}
	if _, err := viewer.ExtractRegion(0, 0, 0, 0, 1, 1); err == nil {
		t.Error("Expected error for zero size, got nil")
	}
	if _, err := viewer.ExtractRegion(width-1, 0, 0, 2, 1, 1); err == nil {
		t.Error("Expected error for region extending beyond volume, got nil")
	}
}

// TestSaveSlice verifies that slices are written as decodable PNG files
func TestSaveSlice(t *testing.T) {
	tempDir := t.TempDir()

	viewer, err := NewViewer(gradientVolume(10, 10, 5))
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}

	filename := filepath.Join(tempDir, "test_slice.png")
	if err := viewer.SaveSlice(img, filename); err != nil {
		t.Fatalf("Failed to save slice: %v", err)
	}

	f, err := os.Open(filename)
	if err != nil {
		t.Fatalf("Saved file does not exist: %v", err)
	}
	defer f.Close()

	decoded, err := png.Decode(f)
	if err != nil {
		t.Fatalf("Failed to decode saved slice: %v", err)
	}
	if decoded.Bounds() != img.Bounds() {
		t.Errorf("Expected bounds %v, got %v", img.Bounds(), decoded.Bounds())
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	width, height, depth := 5, 5, 3
	viewer, err := NewViewer(gradientVolume(width, height, depth))
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	outputDir := filepath.Join(t.TempDir(), "slices")
	if err := viewer.SaveSliceSequence("z", outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.png", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSliceSequence("invalid", outputDir); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}

// TestStageWriter verifies intermediary results land in one directory per stage
func TestStageWriter(t *testing.T) {
	dir := t.TempDir()
	w := &StageWriter{Dir: dir}

	v := gradientVolume(6, 4, 3)
	for _, stage := range []preprocess.Stage{preprocess.StageLoaded, preprocess.StageNormalized} {
		if err := w.Observe("A_patient1_t1", stage, v); err != nil {
			t.Fatalf("Observe(%s) failed: %v", stage, err)
		}
	}

	for _, stage := range []string{"01_loaded", "04_normalized"} {
		for _, axis := range []string{"x", "y", "z"} {
			filename := filepath.Join(dir, "A_patient1_t1", stage, "middle_"+axis+".png")
			if _, err := os.Stat(filename); err != nil {
				t.Errorf("Expected %s to exist: %v", filename, err)
			}
		}
	}
}

// TestStageWriterWithPipeline runs the pipeline with a StageWriter attached
func TestStageWriterWithPipeline(t *testing.T) {
	dir := t.TempDir()
	p, err := preprocess.NewPipeline(preprocess.Params{
		Target:   models.Shape{Depth: 2, Height: 3, Width: 3},
		Seed:     1,
		Observer: &StageWriter{Dir: dir},
	})
	if err != nil {
		t.Fatalf("Failed to create pipeline: %v", err)
	}

	v := models.NewVolume(models.Shape{Depth: 4, Height: 6, Width: 6})
	for z := 1; z < 3; z++ {
		for y := 1; y < 5; y++ {
			for x := 1; x < 5; x++ {
				v.Set(z, y, x, float64(1+x+y+z))
			}
		}
	}

	if _, err := p.Process(v, preprocess.RunOptions{Name: "scan", Clip: true}); err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "scan"))
	if err != nil {
		t.Fatalf("Failed to read stage directory: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("Expected 4 stage directories, got %d", len(entries))
	}
}

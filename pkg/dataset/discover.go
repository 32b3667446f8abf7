package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Descriptor identifies the files behind one example
type Descriptor struct {
	// Paths lists the volume files, t1 before t2. It is empty for dual-modality
	// training examples, whose files are located inside Dir on every access.
	Paths []string

	// Dir is the patient directory of a dual-modality training example
	Dir string

	// ClassName and Label are set in train mode; Label is -1 otherwise
	ClassName string
	Label     int

	// Line is the 1-based manifest line in evaluate mode
	Line int
}

// Source returns the path reported alongside the example
func (d Descriptor) Source() string {
	if d.Dir != "" {
		return d.Dir
	}
	if len(d.Paths) > 0 {
		return d.Paths[0]
	}
	return ""
}

// Labelled reports whether the example carries a class label
func (d Descriptor) Labelled() bool {
	return d.Label >= 0
}

// volumeExtensions are the file suffixes recognised as volumes
var volumeExtensions = []string{".nii.gz", ".nii"}

// modalityPatterns are tried in order to locate each sequence in a patient directory
var modalityPatterns = [][]string{
	{"*t1.nii.gz", "*t1.nii"},
	{"*t2.nii.gz", "*t2.nii"},
}

// modalityNames label the channels of a dual-modality example
var modalityNames = []string{"t1", "t2"}

func isDir(parent string, entry os.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&os.ModeSymlink != 0 {
		info, err := os.Stat(filepath.Join(parent, entry.Name()))
		return err == nil && info.IsDir()
	}
	return false
}

func isVolumeFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range volumeExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// discoverTrain scans root/<class>/ for volume files (single) or patient directories (dual)
func discoverTrain(root string, classes *ClassTable, modality Modality) ([]Descriptor, error) {
	var out []Descriptor
	for label, class := range classes.names {
		classDir := filepath.Join(root, class)
		entries, err := os.ReadDir(classDir)
		if err != nil {
			return nil, fmt.Errorf("error reading class directory %s: %w", classDir, err)
		}

		for _, entry := range entries {
			switch modality {
			case Dual:
				if !isDir(classDir, entry) {
					continue
				}
				out = append(out, Descriptor{
					Dir:       filepath.Join(classDir, entry.Name()),
					ClassName: class,
					Label:     label,
				})
			default:
				if isDir(classDir, entry) || !isVolumeFile(entry.Name()) {
					continue
				}
				out = append(out, Descriptor{
					Paths:     []string{filepath.Join(classDir, entry.Name())},
					ClassName: class,
					Label:     label,
				})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Source() < out[j].Source()
	})
	return out, nil
}

// readManifest parses an evaluation manifest: one example per line, whitespace
// separated paths. Blank lines and lines starting with '#' are ignored, so a
// path beginning with '#' cannot be listed.
func readManifest(path string, modality Modality) ([]Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening manifest: %w", err)
	}
	defer f.Close()

	want := modality.Channels()
	var out []Descriptor
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != want {
			return nil, fmt.Errorf("%w: %s:%d has %d paths, %s modality needs %d",
				ErrManifestFormat, path, line, len(fields), modality, want)
		}
		out = append(out, Descriptor{Paths: fields, Label: -1, Line: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	return out, nil
}

// findModality returns the first file in dir matching one of patterns, in name order
func findModality(dir string, patterns []string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingVolume, err)
	}
	for _, pattern := range patterns {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if ok, _ := filepath.Match(pattern, entry.Name()); ok {
				return filepath.Join(dir, entry.Name()), nil
			}
		}
	}
	return "", fmt.Errorf("%w: no file matching %s in %s", ErrMissingVolume, strings.Join(patterns, " or "), dir)
}

// checkFile verifies that path names an existing regular file
func checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMissingVolume, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrMissingVolume, path)
	}
	return nil
}

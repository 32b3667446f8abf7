package dataset

import (
	"errors"
	"fmt"
)

var (
	// ErrClassNotFound is returned when the dataset root has no class subdirectories
	ErrClassNotFound = errors.New("class not found")

	// ErrManifestFormat is returned for a manifest line with the wrong number of paths
	ErrManifestFormat = errors.New("malformed manifest line")

	// ErrMissingVolume is returned when an example's volume file does not exist
	ErrMissingVolume = errors.New("missing volume file")
)

// ExampleError wraps a failure to produce one example with its position and source
type ExampleError struct {
	Index  int
	Source string
	Err    error
}

func (e *ExampleError) Error() string {
	return fmt.Sprintf("example %d (%s): %v", e.Index, e.Source, e.Err)
}

func (e *ExampleError) Unwrap() error {
	return e.Err
}

package dataset

import (
	"fmt"
	"os"
	"sort"
)

// ClassTable maps class directory names to label indices. Names are sorted, so the
// same directory set always yields the same labels. A table is immutable once built.
type ClassTable struct {
	names []string
	index map[string]int
}

// FindClasses builds a class table from the immediate subdirectories of root
func FindClasses(root string) (*ClassTable, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("error reading dataset root: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if isDir(root, entry) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no class directories in %s", ErrClassNotFound, root)
	}
	return NewClassTable(names)
}

// NewClassTable builds a table from an explicit list of class names
func NewClassTable(names []string) (*ClassTable, error) {
	if len(names) == 0 {
		return nil, ErrClassNotFound
	}

	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)

	index := make(map[string]int, len(sorted))
	for i, name := range sorted {
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("duplicate class name %q", name)
		}
		index[name] = i
	}
	return &ClassTable{names: sorted, index: index}, nil
}

// Index returns the label of a class name
func (c *ClassTable) Index(name string) (int, bool) {
	i, ok := c.index[name]
	return i, ok
}

// Name returns the class name of a label
func (c *ClassTable) Name(label int) (string, bool) {
	if label < 0 || label >= len(c.names) {
		return "", false
	}
	return c.names[label], true
}

// Len returns the number of classes
func (c *ClassTable) Len() int {
	return len(c.names)
}

// Names returns a copy of the sorted class names
func (c *ClassTable) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

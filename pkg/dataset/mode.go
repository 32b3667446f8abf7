package dataset

import (
	"fmt"
	"strings"
)

// Mode is the fixed operating mode of an enumerator
type Mode int

const (
	// ModeTrain discovers labelled examples from the class directory tree
	ModeTrain Mode = iota

	// ModeEvaluate reads unlabelled examples from a manifest file
	ModeEvaluate
)

// ParseMode accepts "train", "test" or "evaluate"
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "train":
		return ModeTrain, nil
	case "test", "evaluate", "eval":
		return ModeEvaluate, nil
	default:
		return ModeTrain, fmt.Errorf("unknown mode %q (must be train or test)", s)
	}
}

func (m Mode) String() string {
	if m == ModeEvaluate {
		return "test"
	}
	return "train"
}

// Modality is the number of acquisition sequences per example
type Modality int

const (
	// Single examples hold one volume
	Single Modality = iota

	// Dual examples hold a t1 and a t2 volume of the same patient
	Dual
)

// ParseModality accepts "single" or "dual"
func ParseModality(s string) (Modality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single":
		return Single, nil
	case "dual":
		return Dual, nil
	default:
		return Single, fmt.Errorf("unknown modality %q (must be single or dual)", s)
	}
}

func (m Modality) String() string {
	if m == Dual {
		return "dual"
	}
	return "single"
}

// Channels returns the number of volumes per example
func (m Modality) Channels() int {
	if m == Dual {
		return 2
	}
	return 1
}

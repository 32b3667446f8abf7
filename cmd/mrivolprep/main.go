// Command mrivolprep prepares MRI volumes for 3D classification models: it
// indexes labelled datasets, runs every volume through the clip, resample and
// normalize pipeline and writes the model-ready result.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}

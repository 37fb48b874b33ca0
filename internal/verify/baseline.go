package verify

import _ "embed"

// baselineManifest is the shipped identity baseline: the reference tuples
// whose hashes were frozen when the preimage format was pinned. `tape
// verify --init` copies it next to the tape so a deployment can start
// replaying immediately.
//
//go:embed testdata/baseline.yaml
var baselineManifest []byte

// BaselineManifest returns the embedded baseline manifest bytes.
func BaselineManifest() []byte {
	out := make([]byte, len(baselineManifest))
	copy(out, baselineManifest)
	return out
}

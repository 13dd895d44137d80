package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// fileFingerprint computes a "blake3:<hex>" fingerprint of a config file's
// contents, the same format the teacher's config hashing used for scope
// checksums. Load stamps this onto Config.SourceHash so a run's effective
// configuration can be correlated back to the exact file that produced it
// (logged at startup, surfaced by `dispatch doctor`).
func fileFingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint config %q: %w", path, err)
	}
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}

// Package shutdown provides the Shutdown Signal (spec.md §4.7): a fixed,
// embedded EFI poweroff image served once the Dispatch Queue is exhausted.
// It is stateless — serving it never touches the Registry.
package shutdown

import _ "embed"

//go:embed assets/poweroff.efi
var artifact []byte

// ContentType is the served content-type for the Shutdown artifact.
const ContentType = "application/efi"

// Bytes returns the fixed artifact bytes. Every exhausted request serves
// the identical bytes (spec.md §4.7).
func Bytes() []byte {
	return artifact
}

// Size returns the declared size of the artifact, equal to len(Bytes()).
func Size() int64 {
	return int64(len(artifact))
}

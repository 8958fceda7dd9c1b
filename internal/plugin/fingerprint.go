package plugin

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// fingerprintUnit hashes the manifest bytes and the entrypoint contents
// into a stable identity for the unit. The fingerprint shows up in plugin
// listings and the dispatch audit trail so operators can tell exactly which
// build of a plugin produced a verdict.
func fingerprintUnit(manifest []byte, entrypointPath string) (string, error) {
	h := blake3.New()
	_, _ = h.Write(manifest)

	f, err := os.Open(entrypointPath)
	if err != nil {
		return "", fmt.Errorf("open entrypoint: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash entrypoint: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

package config

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ChecksumsFilename is the integrity sidecar written by `config lock` and
// verified on every load when present.
const ChecksumsFilename = ".checksums"

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// WriteChecksums records the BLAKE3 hash of the config file in a
// .checksums sidecar next to it. Subsequent loads refuse a config whose
// hash no longer matches, until the operator locks it again.
func WriteChecksums(configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	hash, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return err
	}

	sidecar := filepath.Join(filepath.Dir(absPath), ChecksumsFilename)
	line := fmt.Sprintf("%s  %s\n", hash, filepath.Base(absPath))
	if err := os.WriteFile(sidecar, []byte(line), 0o644); err != nil {
		return fmt.Errorf("failed to write checksums: %w", err)
	}
	return nil
}

// VerifyChecksums verifies the config file against its .checksums sidecar.
// A missing sidecar is not an error: integrity checking is opt-in via
// `config lock`.
func VerifyChecksums(configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	sidecar := filepath.Join(filepath.Dir(absPath), ChecksumsFilename)
	f, err := os.Open(sidecar)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open checksums: %w", err)
	}
	defer f.Close()

	base := filepath.Base(absPath)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		if fields[1] != base {
			continue
		}
		if err := VerifyFileHash(absPath, fields[0]); err != nil {
			return fmt.Errorf("config integrity check failed (run `config lock` to authorize changes): %w", err)
		}
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read checksums: %w", err)
	}

	// Sidecar exists but does not cover this file.
	return fmt.Errorf("checksums file %s has no entry for %s", sidecar, base)
}

package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// RunDirPrefix is the naming prefix of run directories created by the
	// current format.
	RunDirPrefix = "access_seed"

	// LegacyRunDirPrefix is the prefix used by historical runs, kept so old
	// run directories remain discoverable.
	LegacyRunDirPrefix = "access_info_"
)

// SeedDirName derives a run directory name from the run's random seed. The
// function is pure: two processes given the same seed resolve to the same
// directory, which is what makes resume detection safe.
func SeedDirName(seed int64) string {
	return fmt.Sprintf("%s%d", RunDirPrefix, seed)
}

// SignatureDirName derives a run directory name from a content signature of
// the serialized run configuration, for runs without an explicit seed.
func SignatureDirName(config []byte) string {
	sum := sha256.Sum256(config)
	return "access_" + hex.EncodeToString(sum[:6])
}

// LegacySeedDirName reproduces the historical zero-padded directory naming.
func LegacySeedDirName(seed int64) string {
	return fmt.Sprintf("%s%06d", LegacyRunDirPrefix, seed)
}

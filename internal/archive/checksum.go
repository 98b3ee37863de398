package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ChecksumSuffix names the sidecar holding an archive's SHA-256, in the
// format sha256sum reads.
const ChecksumSuffix = ".sha256"

// ErrChecksumMismatch is returned when an archive does not match its
// sidecar.
var ErrChecksumMismatch = errors.New("checksum mismatch")

func ChecksumPath(archive string) string { return archive + ChecksumSuffix }

// WriteChecksum writes the sidecar of info.
func WriteChecksum(info Info) (string, error) {
	path := ChecksumPath(info.Path)
	line := fmt.Sprintf("%s  %s\n", info.SHA256, filepath.Base(info.Path))
	if err := os.WriteFile(path, []byte(line), 0o640); err != nil {
		return "", fmt.Errorf("write checksum: %w", err)
	}
	return path, nil
}

// VerifyChecksum compares the archive at path with its sidecar. A missing
// sidecar is not an error: found is false.
func VerifyChecksum(path string) (found bool, err error) {
	data, err := os.ReadFile(ChecksumPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return true, fmt.Errorf("%s: empty checksum file", filepath.Base(path))
	}
	sum, err := FileSHA256(path)
	if err != nil {
		return true, err
	}
	if !strings.EqualFold(sum, fields[0]) {
		return true, fmt.Errorf("%w: %s", ErrChecksumMismatch, filepath.Base(path))
	}
	return true, nil
}

// FileSHA256 hashes the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

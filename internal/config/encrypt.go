package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/rowjay/lbdump/internal/cryptoutil"
)

// EncryptConfigFile writes an encrypted copy of the config file at
// inputPath. Load reads it back when its name ends in ".enc" and
// LBDUMP_CONFIG_KEY holds key.
func EncryptConfigFile(inputPath, outputPath, key string) error {
	if filepath.Clean(inputPath) == filepath.Clean(outputPath) {
		return errors.New("output must differ from input")
	}
	if !isEncryptedPath(outputPath) {
		return errors.New("output name must end in .enc or .encrypted")
	}
	plain, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return err
	}
	ciphertext, err := cryptoutil.EncryptConfig(plain, parsed)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, ciphertext, 0o600)
}

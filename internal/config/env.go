package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file into the process environment. Variables that are
// already set win, and a missing file is not an error.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// PrivateKey resolves the signing key for an account from the environment.
func (a AccountConfig) PrivateKey() string {
	if a.PrivateKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(a.PrivateKeyEnv))
}

package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is read from the working directory when no env file is named.
const DefaultEnvFile = ".env"

// LoadEnvFile exports the variables in a dotenv file so Load picks them up.
// Variables already set in the environment win. A missing default file is
// not an error; a missing named file is.
func LoadEnvFile(path string) error {
	named := path != ""
	if !named {
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !named && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

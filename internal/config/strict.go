package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	gotoml "github.com/pelletier/go-toml/v2"
)

var ErrUnknownKeys = errors.New("config: unknown keys")

// checkKnownKeys rejects keys the loaders would silently ignore, such as a
// misspelled timeout.
func checkKnownKeys(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := gotoml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		var strict *gotoml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%w (%s):\n%s", ErrUnknownKeys, path, strict.String())
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

package labels

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is a Source reading a JSON or YAML file, chosen by extension.
type File string

// Load implements Source.
func (f File) Load(context.Context) (Data, error) {
	var (
		d      Data
		decode func([]byte, interface{}) error
	)

	switch strings.ToLower(filepath.Ext(string(f))) {
	case ".json":
		decode = json.Unmarshal
	case ".yaml", ".yml":
		decode = yaml.Unmarshal
	default:
		return d, fmt.Errorf("%w: %s", ErrBadFormat, f)
	}

	b, err := os.ReadFile(string(f))
	if err != nil {
		return d, fmt.Errorf("cannot read label file: %w", err)
	}

	if err = decode(b, &d); err != nil {
		return d, fmt.Errorf("cannot decode label file %s: %w", f, err)
	}

	return d, nil
}

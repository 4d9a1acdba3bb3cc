package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/MrWong99/procagent/internal/tool/procedure"
)

// ToolsFile is the TOML document holding stored-procedure tool definitions:
//
//	[[tools]]
//	name = "SearchCustomers"
//	description = "Search customers by name"
//
//	  [[tools.parameters]]
//	  name = "LastName"
//	  type = "string"
//	  required = true
type ToolsFile struct {
	Tools []procedure.Definition `toml:"tools"`
}

// LoadTools reads and validates the tool definitions in the TOML file at path.
func LoadTools(path string) ([]procedure.Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open tools file %q: %w", path, err)
	}
	defer f.Close()

	defs, err := DecodeTools(f)
	if err != nil {
		return nil, fmt.Errorf("config: tools file %q: %w", path, err)
	}
	return defs, nil
}

// DecodeTools decodes a [ToolsFile] from r. Unknown keys are errors, as in
// the YAML loader.
func DecodeTools(r io.Reader) ([]procedure.Definition, error) {
	var tf ToolsFile
	md, err := toml.NewDecoder(r).Decode(&tf)
	if err != nil {
		return nil, fmt.Errorf("decode toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if errs := ValidateTools("tools", tf.Tools); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return tf.Tools, nil
}

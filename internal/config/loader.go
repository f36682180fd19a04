package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// envPattern matches ${VAR} and ${VAR:-default}. A leading "$$" escapes the
// expression, leaving a literal "${...}" in the result.
var envPattern = regexp.MustCompile(`\$?\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// ErrEmpty is returned for a configuration file with no document.
var ErrEmpty = errors.New("config: empty file")

// Load reads the YAML file at path, expands environment variables and
// decodes it. Unknown top-level keys are rejected so a misspelled "modules"
// does not silently drop every module.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands and decodes raw configuration bytes.
func Parse(raw []byte) (*Config, error) {
	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, fmt.Errorf("expanding variables: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("parsing: %w", err)
	}

	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("parsing: more than one YAML document")
	}
	return &cfg, nil
}

// expandEnv replaces ${VAR} and ${VAR:-default} in raw YAML bytes. Every
// variable with neither a value nor a default is reported with its line.
func expandEnv(raw []byte) ([]byte, error) {
	var errs []error

	var out bytes.Buffer
	last := 0
	for _, loc := range envPattern.FindAllSubmatchIndex(raw, -1) {
		out.Write(raw[last:loc[0]])
		last = loc[1]
		match := raw[loc[0]:loc[1]]

		if bytes.HasPrefix(match, []byte("$$")) {
			out.Write(match[1:])
			continue
		}

		name := string(raw[loc[2]:loc[3]])
		if value, ok := os.LookupEnv(name); ok {
			out.WriteString(value)
			continue
		}
		if loc[4] >= 0 {
			out.Write(raw[loc[4]:loc[5]])
			continue
		}

		line := bytes.Count(raw[:loc[0]], []byte("\n")) + 1
		errs = append(errs, fmt.Errorf("line %d: unresolved variable: %s", line, name))
		out.Write(match)
	}
	out.Write(raw[last:])

	return out.Bytes(), errors.Join(errs...)
}

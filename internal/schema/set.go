package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed contracts/*.yaml
var embedded embed.FS

// Stage selects which of the two contracts applies.
type Stage string

const (
	// StageSource checks records as extracted, before transformation.
	StageSource Stage = "source"
	// StageTarget checks entities as transformed, before load.
	StageTarget Stage = "target"
)

type contractFile struct {
	Contracts []Contract `yaml:"contracts"`
}

// Set holds the compiled source and target contracts keyed by entity type.
type Set struct {
	byStage map[Stage]map[string]*Compiled
}

// Get returns the contract for entity at stage.
func (s *Set) Get(stage Stage, entity string) (*Compiled, bool) {
	c, ok := s.byStage[stage][entity]
	return c, ok
}

// LoadSet compiles the embedded default contracts and then, when dir is not
// empty, replaces same-named contracts with those in dir/source.yaml and
// dir/target.yaml. Either override file may be missing.
//
// Errors:
//   - unreadable or malformed YAML
//   - any contract failing Compile
func LoadSet(dir string) (*Set, error) {
	s := &Set{byStage: map[Stage]map[string]*Compiled{}}
	for _, stage := range []Stage{StageSource, StageTarget} {
		name := string(stage) + ".yaml"
		b, err := fs.ReadFile(embedded, "contracts/"+name)
		if err != nil {
			return nil, fmt.Errorf("schema: embedded %s: %w", name, err)
		}
		if err := s.add(stage, name, b); err != nil {
			return nil, err
		}

		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name)
		b, err = os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", path, err)
		}
		if err := s.add(stage, path, b); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MustDefaultSet returns the embedded contracts; they are part of the binary,
// so a failure is a build defect.
func MustDefaultSet() *Set {
	s, err := LoadSet("")
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Set) add(stage Stage, origin string, b []byte) error {
	var cf contractFile
	if err := yaml.Unmarshal(b, &cf); err != nil {
		return fmt.Errorf("schema: parse %s: %w", origin, err)
	}
	m := s.byStage[stage]
	if m == nil {
		m = map[string]*Compiled{}
		s.byStage[stage] = m
	}
	for _, c := range cf.Contracts {
		cc, err := Compile(c)
		if err != nil {
			return fmt.Errorf("%s: %w", origin, err)
		}
		m[c.Name] = cc
	}
	return nil
}

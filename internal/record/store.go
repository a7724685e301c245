package record

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store keeps one YAML file per component in a directory owned by a single
// architecture.
type Store struct {
	Dir  string
	Arch string
}

func NewStore(dir, arch string) *Store {
	return &Store{Dir: dir, Arch: arch}
}

func (s *Store) path(component string) string {
	return filepath.Join(s.Dir, component+".yaml")
}

// Load returns the stored record for component, or a fresh unfetched record
// if none has been saved.
func (s *Store) Load(component string) (*Record, error) {
	data, err := os.ReadFile(s.path(component))
	if os.IsNotExist(err) {
		return New(component, s.Arch), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read build record for %s: %w", component, err)
	}
	r := &Record{}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("corrupt build record %s: %w", s.path(component), err)
	}
	if r.Component != component || r.Arch != s.Arch {
		return nil, fmt.Errorf("build record %s belongs to %s/%s", s.path(component), r.Arch, r.Component)
	}
	return r, nil
}

// Save writes r through a temporary file renamed into place, so readers see
// either the old record or the new one.
func (s *Store) Save(r *Record) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode build record: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, "."+r.Component+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write build record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync build record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path(r.Component)); err != nil {
		return fmt.Errorf("failed to commit build record: %w", err)
	}
	return nil
}

// List returns every stored record, sorted by component name.
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(names)

	out := make([]*Record, 0, len(names))
	for _, n := range names {
		r, err := s.Load(n)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

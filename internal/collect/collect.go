// Package collect merges the per-architecture results of a run into the
// distribution handed to packaging.
package collect

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
	"lukechampine.com/blake3"

	"crossforge/internal/record"
)

var (
	ErrIncompleteArchitectureSet = errors.New("incomplete architecture set")
	ErrArtifactPathConflict      = errors.New("artifact path conflict")
)

// Distribution maps architecture name to logical library name to file.
type Distribution struct {
	Archs map[string]map[string]string
}

// Architectures returns the architecture names in sorted order.
func (d *Distribution) Architectures() []string {
	return slices.Sorted(maps.Keys(d.Archs))
}

// Merge checks that every architecture installed the same set of components,
// covering at least every name in order, and unions each architecture's
// libraries. A logical name resolving to two files within an architecture,
// or one file claimed by two architectures, is a conflict.
func Merge(order []string, records map[string][]*record.Record) (*Distribution, error) {
	want := map[string]bool{}
	for _, name := range order {
		want[name] = true
	}
	installed := map[string]map[string]*record.Record{}
	for a, recs := range records {
		installed[a] = map[string]*record.Record{}
		for _, r := range recs {
			if r.Installed() {
				installed[a][r.Component] = r
				want[r.Component] = true
			}
		}
	}

	archs := slices.Sorted(maps.Keys(records))
	var missing []string
	for _, a := range archs {
		var names []string
		for name := range want {
			if installed[a][name] == nil {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			slices.Sort(names)
			missing = append(missing, fmt.Sprintf("%s lacks %s", a, strings.Join(names, ", ")))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrIncompleteArchitectureSet, strings.Join(missing, "; "))
	}

	d := &Distribution{Archs: map[string]map[string]string{}}
	owner := map[string]string{}
	for _, a := range archs {
		libs := map[string]string{}
		from := map[string]string{}
		for _, name := range slices.Sorted(maps.Keys(installed[a])) {
			r := installed[a][name]
			for _, logical := range slices.Sorted(maps.Keys(r.Artifacts.Libraries)) {
				p := filepath.Clean(r.Artifacts.Libraries[logical])
				if prev, ok := libs[logical]; ok && prev != p {
					return nil, fmt.Errorf("%w: %s on %s is provided by both %s (%s) and %s (%s)",
						ErrArtifactPathConflict, logical, a, from[logical], prev, name, p)
				}
				if other, ok := owner[p]; ok && other != a {
					return nil, fmt.Errorf("%w: %s is shared by %s and %s", ErrArtifactPathConflict, p, other, a)
				}
				libs[logical], from[logical], owner[p] = p, name, a
			}
		}
		d.Archs[a] = libs
	}
	return d, nil
}

// Digest returns the blake3 hash of every file in the distribution.
func (d *Distribution) Digest() (map[string]map[string]string, error) {
	out := map[string]map[string]string{}
	for a, libs := range d.Archs {
		out[a] = map[string]string{}
		for logical, p := range libs {
			sum, err := hashFile(p)
			if err != nil {
				return nil, err
			}
			out[a][logical] = sum
		}
	}
	return out, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Manifest is the on-disk form of a Distribution.
type Manifest struct {
	Architectures map[string]map[string]ManifestEntry `yaml:"architectures"`
}

type ManifestEntry struct {
	Path   string `yaml:"path"`
	Blake3 string `yaml:"blake3"`
}

// WriteManifest hashes every library and writes the manifest to path.
func (d *Distribution) WriteManifest(path string) error {
	sums, err := d.Digest()
	if err != nil {
		return err
	}
	m := Manifest{Architectures: map[string]map[string]ManifestEntry{}}
	for a, libs := range d.Archs {
		m.Architectures[a] = map[string]ManifestEntry{}
		for logical, p := range libs {
			m.Architectures[a][logical] = ManifestEntry{Path: p, Blake3: sums[a][logical]}
		}
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("corrupt manifest %s: %w", path, err)
	}
	return m, nil
}

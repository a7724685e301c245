package build

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"crossforge/internal/msg"
	"crossforge/internal/record"
)

// scanArtifacts lists what an installed tree exports: header and library
// directories, pkg-config directories and every shared or static library,
// keyed by file name.
func scanArtifacts(dir string) (record.Artifacts, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return record.Artifacts{}, err
	}
	art := record.Artifacts{Root: root}

	isDir := func(rel string) bool {
		info, err := os.Stat(filepath.Join(root, rel))
		return err == nil && info.IsDir()
	}
	if isDir("include") {
		art.IncludeDirs = append(art.IncludeDirs, filepath.Join(root, "include"))
	}
	if isDir("lib") {
		art.LibDirs = append(art.LibDirs, filepath.Join(root, "lib"))
	}
	for _, rel := range []string{"lib/pkgconfig", "share/pkgconfig"} {
		if isDir(rel) {
			art.PkgConfigDirs = append(art.PkgConfigDirs, filepath.Join(root, rel))
		}
	}

	files := 0
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files++
		name := d.Name()
		if !strings.HasSuffix(name, ".so") && !strings.HasSuffix(name, ".a") {
			return nil
		}
		if art.Libraries == nil {
			art.Libraries = map[string]string{}
		}
		if prev, ok := art.Libraries[name]; ok {
			msg.Debugf("%s: keeping %s over %s\n", name, prev, p)
			return nil
		}
		art.Libraries[name] = p
		return nil
	})
	if err != nil {
		return record.Artifacts{}, err
	}
	if files == 0 {
		return record.Artifacts{}, fmt.Errorf("install produced no files in %s", root)
	}
	return art, nil
}

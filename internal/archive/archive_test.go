package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

type entry struct {
	name string
	body string
	dir  bool
}

func tarBytes(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if e.dir {
			hdr = &tar.Header{Name: e.name, Mode: 0o755, Typeflag: tar.TypeDir}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if !e.dir {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func compress(t *testing.T, suffix string, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch suffix {
	case ".tar":
		return raw
	case ".tar.gz":
		w = pgzip.NewWriter(&buf)
	case ".tar.xz":
		w, err = xz.NewWriter(&buf)
	case ".tar.zst":
		w, err = zstd.NewWriter(&buf)
	}
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if string(got) != want {
		t.Errorf("%s = %q, want %q", path, got, want)
	}
}

func TestExtractTarFormatsStripTopLevel(t *testing.T) {
	raw := tarBytes(t, []entry{
		{name: "zlib-1.3.1/", dir: true},
		{name: "zlib-1.3.1/configure", body: "#!/bin/sh\n"},
		{name: "zlib-1.3.1/src/zlib.h", body: "#define ZLIB\n"},
	})
	for _, suffix := range []string{".tar", ".tar.gz", ".tar.xz", ".tar.zst"} {
		t.Run(suffix, func(t *testing.T) {
			dir := t.TempDir()
			src := writeFile(t, filepath.Join(dir, "zlib"+suffix), compress(t, suffix, raw))
			dest := filepath.Join(dir, "out")

			if err := Extract(src, dest); err != nil {
				t.Fatalf("Extract: %v", err)
			}
			assertFile(t, filepath.Join(dest, "configure"), "#!/bin/sh\n")
			assertFile(t, filepath.Join(dest, "src", "zlib.h"), "#define ZLIB\n")
		})
	}
}

func TestExtractKeepsFlatLayout(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, filepath.Join(dir, "flat.tar"), tarBytes(t, []entry{
		{name: "a.c", body: "a"},
		{name: "include/a.h", body: "h"},
	}))
	dest := filepath.Join(dir, "out")
	if err := Extract(src, dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	assertFile(t, filepath.Join(dest, "a.c"), "a")
	assertFile(t, filepath.Join(dest, "include", "a.h"), "h")
}

func TestExtractRejectsEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, filepath.Join(dir, "evil.tar"), tarBytes(t, []entry{{name: "../../etc/evil", body: "x"}}))
	err := Extract(src, filepath.Join(dir, "out"))
	if !errors.Is(err, ErrIllegalPath) {
		t.Fatalf("err = %v, want ErrIllegalPath", err)
	}
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractZipAndWheel(t *testing.T) {
	dir := t.TempDir()

	src := writeFile(t, filepath.Join(dir, "lib.zip"), zipBytes(t, map[string]string{"lib-2.0/lib.c": "c"}))
	if err := Extract(src, filepath.Join(dir, "zip")); err != nil {
		t.Fatalf("Extract zip: %v", err)
	}
	assertFile(t, filepath.Join(dir, "zip", "lib.c"), "c")

	whl := writeFile(t, filepath.Join(dir, "six-1.16.0-py2.py3-none-any.whl"), zipBytes(t, map[string]string{"six/__init__.py": "x"}))
	if err := Extract(whl, filepath.Join(dir, "whl")); err != nil {
		t.Fatalf("Extract wheel: %v", err)
	}
	assertFile(t, filepath.Join(dir, "whl", "six", "__init__.py"), "x")
}

func TestExtractUnsupported(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, filepath.Join(dir, "thing.rar"), []byte("rar"))
	if err := Extract(src, filepath.Join(dir, "out")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v", err)
	}
	if IsArchive("thing.rar") || !IsArchive("thing.tar.zst") {
		t.Error("IsArchive misclassified")
	}
}

func TestCompressXZ(t *testing.T) {
	dir := t.TempDir()
	src := writeFile(t, filepath.Join(dir, "build.log"), []byte("error: undefined reference to `png_init'\n"))
	dest := filepath.Join(dir, "logs", "png-compiled.log.xz")
	if err := CompressXZ(src, dest); err != nil {
		t.Fatalf("CompressXZ: %v", err)
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r, err := xz.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "error: undefined reference to `png_init'\n" {
		t.Errorf("round trip = %q", got)
	}
}

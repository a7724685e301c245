// Package fetch acquires component sources: downloads through a shared,
// lock-protected cache, local recipe files and git checkouts.
package fetch

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"

	"crossforge/internal/archive"
	"crossforge/internal/msg"
	"crossforge/internal/recipe"
)

// Cache downloads sources once into Dir/_cache and hands out copies. It is
// safe for concurrent use by several architecture workers and by several
// processes sharing the directory.
type Cache struct {
	Dir    string
	Mirror Mirror
	// Publish uploads freshly downloaded files to Mirror.
	Publish bool
	Client  *http.Client
	// Progress receives a progress bar for native downloads; nil disables it.
	Progress io.Writer
	// Curl is used before the native client when set and found in PATH.
	Curl bool
	Out  *msg.Printer
}

func (c *Cache) storeDir() string { return filepath.Join(c.Dir, "_cache") }

func (c *Cache) printer() *msg.Printer {
	if c.Out == nil {
		return msg.NewPrinter(nil)
	}
	return c.Out
}

// CacheName is the file name a URL is stored under. The version takes part in
// the hash so a static URL is fetched again when the recipe version changes.
func CacheName(url, version string) string {
	sum := blake3.Sum256([]byte(url + version))
	parts := strings.Split(url, "/")
	return hex.EncodeToString(sum[:]) + "-" + parts[len(parts)-1]
}

// Fetch places every source of comp into dest.
func (c *Cache) Fetch(ctx context.Context, comp *recipe.Component, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for i, line := range comp.Sources {
		fields := strings.Fields(line)
		raw := fields[0]
		sub := ""
		if len(fields) > 1 {
			sub = fields[1]
		}
		target := filepath.Join(dest, sub)

		var err error
		switch {
		case strings.HasPrefix(raw, "files/"):
			err = copyLocal(filepath.Join(comp.Dir, raw), filepath.Join(target, strings.TrimPrefix(raw, "files/")))
		case strings.HasPrefix(raw, "git+"):
			err = c.checkout(ctx, raw, target, dest)
		case isRemote(raw):
			var cached string
			cached, err = c.Download(ctx, raw, comp.Version)
			if err == nil {
				err = place(cached, raw, target, fmt.Sprintf("%s.extract-%d", dest, i))
			}
		default:
			err = fmt.Errorf("unsupported source %q", raw)
		}
		if err != nil {
			return fmt.Errorf("%s: source %s: %w", comp.Name, raw, err)
		}
	}
	return nil
}

func isRemote(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "ftp://")
}

// place extracts an archive into target, or copies a plain file into it.
func place(cached, url, target, scratch string) error {
	name := url[strings.LastIndex(url, "/")+1:]
	if !archive.IsArchive(name) {
		return copyLocal(cached, filepath.Join(target, name))
	}
	// Extraction strips a single top-level directory, which needs an empty
	// directory to work in.
	if err := os.RemoveAll(scratch); err != nil {
		return err
	}
	defer os.RemoveAll(scratch)
	if err := archive.Extract(cached, scratch); err != nil {
		return err
	}
	return mergeInto(scratch, target)
}

// mergeInto moves every entry of src into dst.
func mergeInto(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		to := filepath.Join(dst, e.Name())
		if err := os.RemoveAll(to); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(src, e.Name()), to); err != nil {
			return err
		}
	}
	return nil
}

func copyLocal(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(src, p)
			if d.IsDir() {
				return os.MkdirAll(filepath.Join(dst, rel), 0o755)
			}
			return copyFile(p, filepath.Join(dst, rel))
		})
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Download returns the cached path of url, downloading it first if needed.
// Concurrent callers for the same file serialize on a lock file and only the
// first one downloads.
func (c *Cache) Download(ctx context.Context, url, version string) (string, error) {
	name := CacheName(url, version)
	absPath := filepath.Join(c.storeDir(), name)
	if _, err := os.Stat(absPath); err == nil {
		msg.Debugf("already in cache: %s\n", absPath)
		return absPath, nil
	}
	if err := os.MkdirAll(c.storeDir(), 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	lockPath := absPath + ".lock"
	lFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return "", fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// Someone else may have finished while we waited for the lock.
	if _, err := os.Stat(absPath); err == nil {
		msg.Debugf("%s appeared after acquiring lock, skipping download\n", absPath)
		return absPath, nil
	}

	part := absPath + ".part"
	defer os.Remove(part)
	if err := c.download(ctx, url, name, part); err != nil {
		return "", err
	}
	if err := os.Rename(part, absPath); err != nil {
		return "", err
	}

	if c.Publish && c.Mirror != nil {
		if err := c.Mirror.Put(ctx, name, absPath); err != nil {
			c.printer().Warnf("failed to publish %s to mirror: %v", name, err)
		}
	}
	return absPath, nil
}

// download tries the mirror, curl and the native client in that order.
func (c *Cache) download(ctx context.Context, url, name, part string) error {
	out := c.printer()
	if c.Mirror != nil {
		err := c.Mirror.Get(ctx, name, part)
		if err == nil {
			msg.Debugf("fetched %s from mirror\n", name)
			return nil
		}
		msg.Debugf("mirror miss for %s: %v\n", name, err)
	}

	out.Stepf("Fetching source: %s", url[strings.LastIndex(url, "/")+1:])

	if c.Curl {
		if _, err := exec.LookPath("curl"); err == nil {
			cmd := exec.CommandContext(ctx, "curl", "-L", "--fail", "-sS", "-o", part, url)
			cmd.Stdout = io.Discard
			cmd.Stderr = io.Discard
			if err := cmd.Run(); err == nil {
				return nil
			}
			msg.Debugf("curl failed for %s, falling back to native client\n", url)
		}
	}

	client := c.Client
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSHandshakeTimeout = 30 * time.Second
		client = &http.Client{Transport: transport}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", part, err)
	}
	var w io.Writer = f
	if c.Progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(c.Progress),
			progressbar.OptionSetDescription(name[strings.Index(name, "-")+1:]),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		w = io.MultiWriter(f, bar)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return f.Close()
}

// checkout clones a git+URL[#ref] source. With no explicit subdirectory the
// clone goes straight into dest when it is still empty.
func (c *Cache) checkout(ctx context.Context, raw, target, dest string) error {
	gitURL := strings.TrimPrefix(raw, "git+")
	ref := ""
	if u, r, ok := strings.Cut(gitURL, "#"); ok {
		gitURL, ref = u, r
	}
	if target == dest {
		if entries, _ := os.ReadDir(dest); len(entries) > 0 {
			parts := strings.Split(strings.TrimSuffix(gitURL, ".git"), "/")
			target = filepath.Join(dest, parts[len(parts)-1])
		}
	}

	c.printer().Stepf("Cloning git repository %s", gitURL)
	if target != dest {
		if err := os.RemoveAll(target); err != nil {
			return err
		}
	}
	if err := run(ctx, "git", "clone", "--quiet", gitURL, target); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	if ref != "" {
		if err := run(ctx, "git", "-C", target, "-c", "advice.detachedHead=false", "checkout", "--quiet", ref); err != nil {
			return fmt.Errorf("git checkout %s failed: %w", ref, err)
		}
	}
	return nil
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

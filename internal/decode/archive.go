package decode

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/clover-project/clover-datasets/internal/registry"
)

// unpack extracts the archive at src into dest according to kind
func unpack(ctx context.Context, kind registry.ArchiveKind, src, dest, fileName string) error {
	switch kind {
	case registry.ArchiveZip:
		return unzip(ctx, src, dest)
	case registry.ArchiveTar:
		return untar(ctx, src, dest)
	case registry.ArchiveGzip:
		return gunzip(ctx, src, dest, fileName)
	default:
		return fmt.Errorf("unsupported archive kind %q", kind)
	}
}

// safeJoin resolves an archive member name under dest, rejecting names that escape it
func safeJoin(dest, name string) (string, error) {
	rel := filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("archive member %q escapes the extraction directory", name)
	}
	return filepath.Join(dest, rel), nil
}

func writeMember(ctx context.Context, target string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("failed to create member directory: %w", err)
	}
	//nolint:gosec // target is checked by safeJoin
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create member file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to extract %s: %w", filepath.Base(target), err)
	}
	return out.Close()
}

func unzip(ctx context.Context, src, dest string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer func() {
		_ = zr.Close()
	}()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open zip member %s: %w", f.Name, err)
		}
		err = writeMember(ctx, target, rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func untar(ctx context.Context, src, dest string) error {
	//nolint:gosec // src is a cache entry owned by the fetcher
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open tar archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer func() {
			_ = gz.Close()
		}()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		if err := writeMember(ctx, target, tr); err != nil {
			return err
		}
	}
}

func gunzip(ctx context.Context, src, dest, fileName string) error {
	//nolint:gosec // src is a cache entry owned by the fetcher
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open gzip file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer func() {
		_ = gz.Close()
	}()

	name := gz.Name
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSuffix(fileName, ".gz"), ".gzip")
	}
	target, err := safeJoin(dest, path.Base(name))
	if err != nil {
		return err
	}
	return writeMember(ctx, target, gz)
}

// selectMembers returns the extracted files matching pattern, sorted by their
// slash separated path relative to root. A pattern without a slash is matched
// against base names so that a member is found at any depth. An empty pattern
// selects every file.
func selectMembers(root, pattern string) ([]string, error) {
	var matcher glob.Glob
	if pattern != "" {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid members pattern %q: %w", pattern, err)
		}
		matcher = g
	}
	byBase := !strings.Contains(pattern, "/")

	var rels []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matcher != nil {
			subject := rel
			if byBase {
				subject = path.Base(rel)
			}
			if !matcher.Match(subject) {
				return nil
			}
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list archive members: %w", err)
	}

	sort.Strings(rels)
	out := make([]string, len(rels))
	for i, rel := range rels {
		out[i] = filepath.Join(root, filepath.FromSlash(rel))
	}
	return out, nil
}

package sessionstore

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// credentialPrefix is the archive subtree holding provider credential home
// directories, stored by base name (".claude", ".codex", ...).
const credentialPrefix = "credentials"

// Pack writes a gzip-tar archive of a session root: the metadata document,
// the workspace subtree, and each credential directory that exists under
// homeDir. Missing credential directories are skipped, not errors.
func Pack(w io.Writer, root, homeDir string, credentialDirs []string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	metaPath := filepath.Join(root, MetadataFileName)
	if _, err := os.Stat(metaPath); err == nil {
		if err := addFile(tw, metaPath, MetadataFileName); err != nil {
			return fmt.Errorf("failed to archive metadata: %w", err)
		}
	}

	wsPath := WorkspacePath(root)
	if _, err := os.Stat(wsPath); err == nil {
		if err := addTree(tw, wsPath, WorkspaceDirName); err != nil {
			return fmt.Errorf("failed to archive workspace: %w", err)
		}
	}

	for _, dir := range credentialDirs {
		src := filepath.Join(homeDir, dir)
		info, err := os.Stat(src)
		if err != nil || !info.IsDir() {
			continue
		}
		prefix := credentialPrefix + "/" + filepath.Base(dir)
		if err := addTree(tw, src, prefix); err != nil {
			return fmt.Errorf("failed to archive credentials %s: %w", dir, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// Unpack restores an archive: metadata and the workspace subtree merge into
// the session root; credential directories replace their counterparts under
// homeDir wholesale.
func Unpack(r io.Reader, root, homeDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	replacedCreds := make(map[string]bool)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			continue
		}

		var target string
		switch {
		case name == MetadataFileName:
			target = filepath.Join(root, MetadataFileName)
		case name == WorkspaceDirName || strings.HasPrefix(name, WorkspaceDirName+string(filepath.Separator)):
			target = filepath.Join(root, name)
		case strings.HasPrefix(name, credentialPrefix+string(filepath.Separator)):
			rel := strings.TrimPrefix(name, credentialPrefix+string(filepath.Separator))
			parts := strings.SplitN(rel, string(filepath.Separator), 2)
			credDir := filepath.Join(homeDir, parts[0])
			if !replacedCreds[parts[0]] {
				// Wholesale replacement: stale credential state from a
				// previous execution must not leak into this one.
				if err := os.RemoveAll(credDir); err != nil {
					return fmt.Errorf("failed to reset credential dir %s: %w", parts[0], err)
				}
				replacedCreds[parts[0]] = true
			}
			target = filepath.Join(homeDir, rel)
		default:
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode)|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeExtracted(target, tr, fs.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to extract %s: %w", name, err)
			}
		case tar.TypeSymlink:
			if !localLink(name, hdr.Linkname) {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

// localLink reports whether a symlink entry's target stays inside the
// archive tree. Absolute targets and relative targets that climb out of
// the extraction root are rejected.
func localLink(name, linkname string) bool {
	if linkname == "" || filepath.IsAbs(linkname) {
		return false
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(name), linkname))
	if resolved == ".." || strings.HasPrefix(resolved, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

// writeExtracted writes a file, falling back to remove-and-rewrite when the
// existing target cannot be opened directly. Git pack files are extracted
// read-only, so a plain truncate on resume fails with EPERM.
func writeExtracted(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		if !errors.Is(err, fs.ErrPermission) {
			return err
		}
		if rmErr := os.Remove(target); rmErr != nil {
			return err
		}
		f, err = os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func addFile(tw *tar.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

func addTree(tw *tar.Writer, src, prefix string) error {
	return filepath.Walk(src, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		name := prefix
		if rel != "." {
			name = prefix + "/" + filepath.ToSlash(rel)
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

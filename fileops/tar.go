package fileops

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/noxrunner/noxrunner/security"
)

// ErrMalformedArchive indicates the input bytes could not be parsed as
// a tar archive. Distinct from filesystem errors during extraction so
// callers can tell a corrupt transfer from a full disk.
var ErrMalformedArchive = errors.New("malformed archive")

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0600
)

// gzip magic bytes, used to accept both compressed and plain tar input
var gzipMagic = []byte{0x1f, 0x8b}

// TarHandler packs and unpacks tar archives used for file transfer
// between the caller and a sandbox.
type TarHandler struct {
	sanitizer *security.PathSanitizer
}

// NewTarHandler creates a new TarHandler
func NewTarHandler() *TarHandler {
	return &TarHandler{
		sanitizer: security.NewPathSanitizer(),
	}
}

// Pack creates a gzip-compressed tar archive from a map of relative
// file names to content. Member ordering follows map iteration and is
// not deterministic.
func (*TarHandler) Pack(files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)

	for name, content := range files {
		hdr := &tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}
		if err := tarWriter.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write tar header for %s: %w", name, err)
		}
		if _, err := tarWriter.Write(content); err != nil {
			return nil, fmt.Errorf("failed to write tar content for %s: %w", name, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// PackPath creates a gzip-compressed tar archive from a file or a
// directory tree. A single file becomes one member named after its
// base name; a directory contributes its files with names relative to
// the directory root.
func (*TarHandler) PackPath(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source path: %w", err)
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)

	addFile := func(file, arcname string, fi os.FileInfo) error {
		link := ""
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(file)
			if err != nil {
				return err
			}
			link = target
		}
		header, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return err
		}
		header.Name = arcname
		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		data, err := os.Open(file)
		if err != nil {
			return err
		}
		defer data.Close()
		_, err = io.Copy(tarWriter, data)
		return err
	}

	if info.IsDir() {
		err = filepath.Walk(path, func(file string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if fi.IsDir() {
				return nil
			}
			relPath, err := filepath.Rel(path, file)
			if err != nil {
				return err
			}
			return addFile(file, relPath, fi)
		})
	} else {
		err = addFile(path, filepath.Base(path), info)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to archive %s: %w", path, err)
	}

	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Unpack extracts a tar archive (gzip-compressed or plain) into dest
// and returns the number of files actually written.
//
// Directory members are skipped; their existence is implied by the
// files they contain. Every other member passes the safety predicate
// before any write: unsafe members are silently skipped, not extracted
// and not counted. When sandboxDir is non-empty, members must also
// resolve under it. A zero count for a non-empty archive means every
// member was rejected; callers should treat that as a failed transfer.
//
// allowAbsolute bypasses the safety predicate and is intended only for
// trusted archives produced by this package.
func (h *TarHandler) Unpack(data []byte, dest, sandboxDir string, allowAbsolute bool) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(dest, DirPermission); err != nil {
		return 0, fmt.Errorf("failed to create destination directory: %w", err)
	}

	var reader io.Reader = bytes.NewReader(data)
	if bytes.HasPrefix(data, gzipMagic) {
		gzipReader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrMalformedArchive, err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	}

	tarReader := tar.NewReader(reader)
	fileCount := 0

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fileCount, fmt.Errorf("%w: %w", ErrMalformedArchive, err)
		}

		if header.Typeflag == tar.TypeDir {
			continue
		}

		if !allowAbsolute && !h.isSafeMember(header, dest) {
			continue
		}

		target := memberTarget(dest, header.Name)
		if sandboxDir != "" && !h.sanitizer.EnsureWithinSandbox(target, sandboxDir) {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), DirPermission); err != nil {
			return fileCount, fmt.Errorf("failed to create parent directories for %s: %w", header.Name, err)
		}

		switch header.Typeflag {
		case tar.TypeReg:
			content := make([]byte, header.Size)
			if _, err := io.ReadFull(tarReader, content); err != nil {
				return fileCount, fmt.Errorf("%w: reading %s: %w", ErrMalformedArchive, header.Name, err)
			}
			if err := os.WriteFile(target, content, FilePermission); err != nil {
				return fileCount, fmt.Errorf("failed to write %s: %w", header.Name, err)
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fileCount, fmt.Errorf("failed to create symlink %s: %w", header.Name, err)
			}
		default:
			// character devices, fifos, hard links: not extracted
			continue
		}

		fileCount++
	}

	return fileCount, nil
}

// isSafeMember reports whether a tar member may be extracted under
// dest. It rejects absolute names, names with a parent-directory
// component at any position, names that do not resolve under dest, and
// symlink members whose target is absolute or contains a
// parent-directory component.
func (h *TarHandler) isSafeMember(header *tar.Header, dest string) bool {
	name := header.Name

	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return false
	}

	for _, part := range strings.Split(strings.ReplaceAll(name, "\\", "/"), "/") {
		if part == ".." {
			return false
		}
	}

	if !h.sanitizer.EnsureWithinSandbox(filepath.Join(dest, name), dest) {
		return false
	}

	if header.Typeflag == tar.TypeSymlink || header.Typeflag == tar.TypeLink {
		link := header.Linkname
		if filepath.IsAbs(link) || strings.HasPrefix(link, "/") {
			return false
		}
		for _, part := range strings.Split(strings.ReplaceAll(link, "\\", "/"), "/") {
			if part == ".." {
				return false
			}
		}
	}

	return true
}

// memberTarget computes the on-disk path for a member name. Absolute
// names (only reachable with allowAbsolute) are used as-is rather than
// joined under dest.
func memberTarget(dest, name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(dest, name)
}

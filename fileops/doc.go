// Package fileops provides tar archive handling for sandbox file
// transfer.
//
// The fileops package packs in-memory file sets into gzip-compressed
// tar archives and unpacks archives into a destination directory with
// per-member safety checks. Unpacking defends against absolute member
// names, parent-directory traversal, and symlink targets that escape
// the destination, independent of the extraction primitive's own
// behavior: unsafe members are skipped rather than extracted, and the
// returned count tells callers how many files were actually written.
//
// Usage:
//
//	handler := fileops.NewTarHandler()
//	data, err := handler.Pack(map[string][]byte{"script.py": code})
//	n, err := handler.Unpack(data, destDir, sandboxDir, false)
package fileops

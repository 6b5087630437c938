package staging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// linkTree mirrors src at dst using hard links. Files on another device are
// copied instead; the number of copied files is returned.
func linkTree(src, dst string) (int, error) {
	copied := 0
	err := walkTree(src, dst, func(from, to string, info fs.FileInfo) error {
		err := os.Link(from, to)
		if err == nil {
			return nil
		}
		if !errors.Is(err, syscall.EXDEV) && !errors.Is(err, syscall.EPERM) {
			return err
		}
		copied++
		return copyFile(from, to, info)
	})
	return copied, err
}

// copyTree mirrors src at dst with full copies.
func copyTree(src, dst string) error {
	return walkTree(src, dst, copyFile)
}

// walkTree recreates the directory structure and symlinks of src at dst and
// calls file for every regular file. Other special files are skipped.
func walkTree(src, dst string, file func(from, to string, info fs.FileInfo) error) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(target, info.Mode().Perm()); err != nil {
				return err
			}
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if err := os.Symlink(link, target); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := file(p, target, info); err != nil {
				return fmt.Errorf("%s: %w", rel, err)
			}
		default:
			return nil
		}
		preserveOwner(target, info)
		return nil
	})
}

func copyFile(from, to string, info fs.FileInfo) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(to, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(to, info.ModTime(), info.ModTime())
}

// preserveOwner copies uid/gid when running with the privilege to do so.
func preserveOwner(path string, info fs.FileInfo) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || os.Geteuid() != 0 {
		return
	}
	_ = os.Lchown(path, int(st.Uid), int(st.Gid))
}

// treeSize returns the total size of regular files under root.
func treeSize(root string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	return total, err
}

package utils

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Compress takes a path to a file or directory and creates a .tar.gzip file
// at the outputPath location. Entry names are relative to path. Directories
// whose base name is listed in skip are left out.
func Compress(path, outputPath string, skip ...string) error {
	tarFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer tarFile.Close()

	gzw := gzip.NewWriter(tarFile)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return filepath.Walk(path, func(file string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, file)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() && contains(skip, info.Name()) {
			return filepath.SkipDir
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if !info.IsDir() {
			data, err := os.Open(file)
			if err != nil {
				return err
			}
			defer data.Close()
			if _, err := io.Copy(tw, data); err != nil {
				return fmt.Errorf("could not archive %s: %w", header.Name, err)
			}
		}
		return nil
	})
}

// Decompress takes a location to a .tar.gzip file and a base path and
// decompresses the contents wrt the base path
func Decompress(tarPath, baseDir string) error {
	tarFile, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer tarFile.Close()

	gzr, err := gzip.NewReader(tarFile)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		target := filepath.Join(baseDir, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(target, filepath.Clean(baseDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %s escapes %s", header.Name, baseDir)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(header.Mode)|0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, fs.FileMode(header.Mode)); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, mode|0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, r)
	return err
}

// TarCopy uses tar archive to copy src to dst to preserve the folder structure
func TarCopy(src, dst, tempDir string, skip ...string) error {
	f, err := os.CreateTemp(tempDir, "tarcopy-*.tar.gzip")
	if err != nil {
		return err
	}
	f.Close()
	defer os.Remove(f.Name())

	if err := Compress(src, f.Name(), skip...); err != nil {
		return fmt.Errorf("could not archive %s: %w", src, err)
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	if err := Decompress(f.Name(), dst); err != nil {
		return fmt.Errorf("could not extract into %s: %w", dst, err)
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

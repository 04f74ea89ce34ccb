// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tarutil extracts gzip-compressed tar archives, as produced by
// "seedinit collect-logs" on a test instance.
package tarutil

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrExtractFailed indicates the archive could not be extracted.
var ErrExtractFailed = errors.New("archive extraction failed")

// ExtractAll opens the tar.gz archive at archivePath and extracts every
// entry under destDir. Entries whose paths would escape destDir are
// rejected.
func ExtractAll(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Join(ErrExtractFailed, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: not a gzip archive: %v", ErrExtractFailed, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Join(ErrExtractFailed, err)
		}
		if err := extractEntry(tr, hdr, destDir); err != nil {
			return err
		}
	}
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, destDir string) error {
	target, err := securePath(destDir, hdr.Name)
	if err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, 0o755); err != nil {
			return errors.Join(ErrExtractFailed, err)
		}
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return errors.Join(ErrExtractFailed, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return errors.Join(ErrExtractFailed, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			_ = out.Close()
			return errors.Join(ErrExtractFailed, err)
		}
		if err := out.Close(); err != nil {
			return errors.Join(ErrExtractFailed, err)
		}
	default:
		// Symlinks, devices and the rest are not expected in a log
		// bundle; skip them rather than fail the whole collection.
	}
	return nil
}

// securePath joins name onto destDir and rejects traversal outside it.
func securePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.Clean("/"+name))
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: entry %q escapes destination", ErrExtractFailed, name)
	}
	return target, nil
}

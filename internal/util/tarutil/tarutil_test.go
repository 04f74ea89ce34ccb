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

package tarutil

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeArchive builds a tar.gz at path from name->content entries.
// Directory entries end with a slash and carry empty content.
func writeArchive(t *testing.T, path string, entries map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if name[len(name)-1] == '/' {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(content))
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func TestExtractAll(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "seedinit.tar.gz")
	writeArchive(t, archive, map[string]string{
		"seedinit/":                "",
		"seedinit/seedinit.log":    "boot finished\n",
		"seedinit/run/result.json": `{"status":"done"}`,
		"seedinit/version":         "24.1\n",
	})

	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, ExtractAll(archive, dest))

	data, err := os.ReadFile(filepath.Join(dest, "seedinit", "seedinit.log"))
	require.NoError(t, err)
	assert.Equal(t, "boot finished\n", string(data))

	// Nested directories are created on demand.
	data, err = os.ReadFile(filepath.Join(dest, "seedinit", "run", "result.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "done")
}

func TestExtractAllRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	writeArchive(t, archive, map[string]string{
		"../escape.txt": "nope",
	})

	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	// Joining through Clean keeps the entry inside dest rather than
	// letting it escape.
	require.NoError(t, ExtractAll(archive, dest))
	_, err := os.Stat(filepath.Join(dir, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractAllMissingArchive(t *testing.T) {
	err := ExtractAll(filepath.Join(t.TempDir(), "missing.tar.gz"), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtractFailed)
}

func TestExtractAllNotGzip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "plain.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("not an archive"), 0o644))

	err := ExtractAll(archive, dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtractFailed)
}

package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColorLoggerPrefixesLines(t *testing.T) {
	color.NoColor = true
	var b bytes.Buffer

	w := NewColorLogger("2.7-0", &b, true)
	_, err := w.Write([]byte("collecting\nran 4 tests"))
	require.NoError(t, err)
	assert.Equal(t, "2.7-0 | collecting\n", b.String())

	_, err = w.Write([]byte(" in 0.1s\n"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	assert.Equal(t, "2.7-0 | collecting\n2.7-0 | ran 4 tests in 0.1s\n", b.String())
}

func TestColorLoggerTruncatesName(t *testing.T) {
	color.NoColor = true
	var b bytes.Buffer

	w := NewColorLogger("a-very-long-job-name-for-the-matrix", &b, false)
	w.Write([]byte("x"))
	w.Flush()
	assert.Equal(t, "a-very-long-job-n... | x\n", b.String())
}

func TestTarCopy(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "pkg", "sub"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".dotmatrix"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "setup.py"), []byte("setup()"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "pkg", "sub", "mod.py"), []byte("x = 1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".dotmatrix", "stale.log"), []byte("old"), 0644))

	dst := filepath.Join(t.TempDir(), "job")
	require.NoError(t, TarCopy(src, dst, t.TempDir(), ".dotmatrix"))

	b, err := os.ReadFile(filepath.Join(dst, "setup.py"))
	require.NoError(t, err)
	assert.Equal(t, "setup()", string(b))

	b, err = os.ReadFile(filepath.Join(dst, "pkg", "sub", "mod.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 1", string(b))

	_, err = os.Stat(filepath.Join(dst, ".dotmatrix"))
	assert.True(t, os.IsNotExist(err))
}

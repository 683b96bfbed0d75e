package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCleanupUnfinishedAndRemoveEmptyDirs(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	root := filepath.Join(t.TempDir(), "book")

	images := filepath.Join(root, "images")
	text := filepath.Join(root, "text")
	require.NoError(t, os.MkdirAll(images, 0o755))
	require.NoError(t, os.MkdirAll(text, 0o755))

	tmp := filepath.Join(images, ".abc.png.123.tmp")
	keep := filepath.Join(text, "1.xhtml")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(keep, []byte("done"), 0o644))

	CleanupUnfinished(root, log)
	_, err := os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))

	RemoveEmptyDirs(root, log)
	_, err = os.Stat(images)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(keep)
	assert.NoError(t, err)

	require.NoError(t, os.Remove(keep))
	RemoveEmptyDirs(root, log)
	_, err = os.Stat(root)
	assert.True(t, os.IsNotExist(err))
}

package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalUpload(t *testing.T) {
	dir := t.TempDir()
	up := NewLocal(dir)

	uri, err := up.Upload(context.Background(), "jobs/abc/result.json", []byte(`{"ok":true}`), "application/json")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "jobs", "abc", "result.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
}

func TestLocalUploadStaysInsideBaseDir(t *testing.T) {
	dir := t.TempDir()
	up := NewLocal(filepath.Join(dir, "root"))

	_, err := up.Upload(context.Background(), "../../escape.json", []byte(`{}`), "application/json")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "root", "escape.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "escape.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"a/b.json":       "a/b.json",
		"/abs/path.json": "abs/path.json",
		"./rel.json":     "rel.json",
		"../up.json":     "up.json",
	}
	for in, want := range cases {
		got, err := sanitizeKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := sanitizeKey("")
	assert.Error(t, err)
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	assert.Error(t, err)
}

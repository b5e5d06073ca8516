package gcs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type memUploader struct {
	objects map[string]string
	failOn  string
}

func (u *memUploader) Upload(_ context.Context, object, contentType string, r io.Reader) (string, error) {
	if object == u.failOn {
		return "", errors.New("permission denied")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	u.objects[object] = contentType + ":" + string(data)
	return "gs://test/" + object, nil
}

func TestArchiverUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := filepath.Join(root, "2025", "07", "11222333000181")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	a1 := filepath.Join(dir, "nfse-1.xml")
	a2 := filepath.Join(dir, "nfse-2.xml")
	require.NoError(t, os.WriteFile(a1, []byte("<a/>"), 0o600))
	require.NoError(t, os.WriteFile(a2, []byte("<b/>"), 0o600))

	up := &memUploader{objects: map[string]string{}, failOn: "nfse/2025/07/11222333000181/nfse-2.xml"}
	arch, err := NewArchiver(up, Config{Prefix: "/nfse/", Root: root}, nil)
	require.NoError(t, err)

	res, err := arch.ProcessFiles(context.Background(), []string{a1, a2, filepath.Join(dir, "missing.xml")})
	require.NoError(t, err)
	require.Equal(t, 3, res.Total)
	require.Equal(t, 1, res.Success)
	require.Equal(t, 2, res.Errors)
	require.Equal(t, "application/xml:<a/>", up.objects["nfse/2025/07/11222333000181/nfse-1.xml"])
}

func TestObjectNameOutsideRoot(t *testing.T) {
	t.Parallel()

	arch, err := NewArchiver(&memUploader{}, Config{Root: "/data/xml"}, nil)
	require.NoError(t, err)
	require.Equal(t, "note.xml", arch.ObjectName("/tmp/staging/note.xml"))
	require.Equal(t, "2025/08/1/note.xml", arch.ObjectName("/data/xml/2025/08/1/note.xml"))

	_, err = NewArchiver(nil, Config{}, nil)
	require.Error(t, err)
	_, err = NewBucketUploader(nil, "b")
	require.Error(t, err)
}

func TestArchiverStopsOnCancel(t *testing.T) {
	t.Parallel()

	arch, err := NewArchiver(&memUploader{objects: map[string]string{}}, Config{}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = arch.ProcessFiles(ctx, []string{"a.xml"})
	require.ErrorIs(t, err, context.Canceled)
}

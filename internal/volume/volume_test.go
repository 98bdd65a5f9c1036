package volume

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadPageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(filepath.Join(dir, "vol0"), "vol0", 512)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, f.WritePage(3, data))

	got, err := f.ReadPage(3)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestReadUnallocatedPageReturnsZeros(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(filepath.Join(dir, "vol0"), "vol0", 256)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	got, err := f.ReadPage(10)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 256), got)
}

func TestWritePagePadsShorterData(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(filepath.Join(dir, "vol0"), "vol0", 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	require.NoError(t, f.WritePage(0, []byte("short")))
	got, err := f.ReadPage(0)
	require.NoError(t, err)
	require.Len(t, got, 16)
	require.Equal(t, []byte("short"), got[:5])
	require.Equal(t, make([]byte, 11), got[5:])
}

func TestRegistryDispatchesByHandle(t *testing.T) {
	dir := t.TempDir()
	fa, err := Open(filepath.Join(dir, "a"), "a", 64)
	require.NoError(t, err)
	fb, err := Open(filepath.Join(dir, "b"), "b", 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fa.Close(); _ = fb.Close() })

	r := NewRegistry()
	r.Register(1, fa)
	r.Register(2, fb)

	require.NoError(t, r.WritePage(1, 0, []byte("to-a")))
	require.NoError(t, r.WritePage(2, 0, []byte("to-b")))
	require.NoError(t, r.Sync(1))

	gotA, err := r.Get(1).ReadPage(0)
	require.NoError(t, err)
	require.Equal(t, []byte("to-a"), gotA[:4])

	gotB, err := r.Get(2).ReadPage(0)
	require.NoError(t, err)
	require.Equal(t, []byte("to-b"), gotB[:4])
}

func TestRegistryUnknownHandleErrors(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.WritePage(99, 0, []byte("x")))
	require.Error(t, r.Sync(99))
	require.Nil(t, r.Get(99))
}

func TestTwoVolumesGetDistinctIdentities(t *testing.T) {
	dir := t.TempDir()
	fa, err := Open(filepath.Join(dir, "a"), "a", 64)
	require.NoError(t, err)
	fb, err := Open(filepath.Join(dir, "b"), "b", 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fa.Close(); _ = fb.Close() })

	require.NotEqual(t, fa.ID(), fb.ID())
}

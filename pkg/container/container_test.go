package container

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// memSource serves a byte slice through the source interface.
type memSource struct {
	data []byte
}

func (m *memSource) Read(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	return copy(p, m.data[off:]), nil
}

func (m *memSource) IsStream() bool    { return false }
func (m *memSource) SignalCancel()     {}
func (m *memSource) OpenResult() error { return nil }

func TestNspRoundTrip(t *testing.T) {
	files := []NspFile{
		{Name: "0000000000000000000000000000000a.nca", Data: bytes.Repeat([]byte{0xAA}, 0x300)},
		{Name: "000000000000000000000000000000ab.cnmt.nca", Data: bytes.Repeat([]byte{0xBB}, 0x90)},
		{Name: "0000000000000000000000000000000c.tik", Data: bytes.Repeat([]byte{0xCC}, 0x2C0)},
	}
	image := BuildNsp(files)
	src := &memSource{data: image}

	nsp := NewNsp(src)
	require.NoError(t, nsp.Validate())

	collections, err := nsp.GetCollections()
	require.NoError(t, err)
	require.Len(t, collections, len(files))

	for i, entry := range collections {
		require.Equal(t, files[i].Name, entry.Name)
		require.Equal(t, int64(len(files[i].Data)), entry.Size)
		require.Equal(t, files[i].Data, image[entry.Offset:entry.Offset+entry.Size])
	}
}

func TestNspHeaderAligned(t *testing.T) {
	image := BuildNsp([]NspFile{{Name: "a.nca", Data: []byte{1}}})
	collections, err := NewNsp(&memSource{data: image}).GetCollections()
	require.NoError(t, err)
	// data must start on a 0x20 boundary.
	require.Zero(t, collections[0].Offset%0x20)
}

func TestXciRoundTrip(t *testing.T) {
	files := []NspFile{
		{Name: "00000000000000000000000000000001.cnmt.nca", Data: bytes.Repeat([]byte{0x11}, 0x120)},
		{Name: "00000000000000000000000000000002.nca", Data: bytes.Repeat([]byte{0x22}, 0x80)},
	}
	image := BuildXci(files)
	src := &memSource{data: image}

	xci := NewXci(src)
	require.NoError(t, xci.Validate())

	collections, err := xci.GetCollections()
	require.NoError(t, err)
	require.Len(t, collections, len(files))
	for i, entry := range collections {
		require.Equal(t, files[i].Name, entry.Name)
		require.Equal(t, files[i].Data, image[entry.Offset:entry.Offset+entry.Size])
	}
}

func TestCollectionsDoNotOverlap(t *testing.T) {
	files := []NspFile{
		{Name: "a", Data: make([]byte, 0x100)},
		{Name: "b", Data: make([]byte, 0x201)},
		{Name: "c", Data: make([]byte, 0x33)},
	}
	for _, image := range [][]byte{BuildNsp(files), BuildXci(files)} {
		var c Container
		var err error
		c, err = Probe(&memSource{data: image})
		require.NoError(t, err)

		collections, err := c.GetCollections()
		require.NoError(t, err)
		require.Len(t, collections, len(files))

		for i := range collections {
			for j := range collections {
				if i == j {
					continue
				}
				a, b := collections[i], collections[j]
				disjoint := a.Offset+a.Size <= b.Offset || b.Offset+b.Size <= a.Offset
				require.True(t, disjoint, "%q overlaps %q", a.Name, b.Name)
			}
		}
	}
}

func TestProbeUnknown(t *testing.T) {
	_, err := Probe(&memSource{data: make([]byte, 0x10000)})
	require.ErrorIs(t, err, ErrNotFound)
}

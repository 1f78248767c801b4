package spool

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferStaysInMemoryBelowThreshold(t *testing.T) {
	b := NewBuffer(1024)
	defer b.Close()

	payload := bytes.Repeat([]byte("a"), 512)
	n, err := b.Write(payload)
	require.NoError(t, err)
	require.Equal(t, 512, n)
	require.Nil(t, b.file)

	r, err := b.Reader()
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestBufferSpillsToDisk(t *testing.T) {
	b := NewBuffer(100)
	defer b.Close()

	payload := bytes.Repeat([]byte("xyz"), 200)
	_, err := b.Write(payload)
	require.NoError(t, err)
	require.NotNil(t, b.file, "buffer should have spilled")
	require.Equal(t, int64(len(payload)), b.Size())

	r, err := b.Reader()
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.NoError(t, r.Close())
}

func TestBufferSpillAcrossWrites(t *testing.T) {
	b := NewBuffer(64)
	defer b.Close()

	var want bytes.Buffer
	for i := 0; i < 16; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i)}, 16)
		want.Write(chunk)
		_, err := b.Write(chunk)
		require.NoError(t, err)
	}

	r, err := b.Reader()
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, want.Bytes(), got)
}

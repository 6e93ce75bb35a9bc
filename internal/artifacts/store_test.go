package artifacts

import (
	"context"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStore_PutGetRoundTrip pins spec §8's law: put(bytes) then get(digest)
// returns bytes, and the digest is a pure function of the bytes.
func TestStore_PutGetRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	data := []byte(`{"x":42}`)
	digest, err := s.Put(ctx, data, "application/json")
	require.NoError(t, err)

	want := fmt.Sprintf("%x", sha256.Sum256(data))
	assert.Equal(t, want, digest)

	got, err := s.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStore_PutIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d1, err := s.Put(ctx, []byte("same bytes"), "text/plain")
	require.NoError(t, err)
	d2, err := s.Put(ctx, []byte("same bytes"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "identical bytes share a single stored copy")
}

func TestStore_GetUnknownDigestIsNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "deadbeef")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AttachAndNodeIO(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	digest, err := s.Put(ctx, []byte(`{"v":1}`), "application/json")
	require.NoError(t, err)
	require.NoError(t, s.Attach(ctx, "run-1", "node-b", "out", digest))

	got, ok, err := s.NodeIO(ctx, "run-1", "node-b", "out")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, digest, got)

	_, ok, err = s.NodeIO(ctx, "run-1", "node-b", "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_NodeOutputsListsEveryPort(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d1, err := s.Put(ctx, []byte("one"), "text/plain")
	require.NoError(t, err)
	d2, err := s.Put(ctx, []byte("two"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, s.Attach(ctx, "run-1", "node-b", "p1", d1))
	require.NoError(t, s.Attach(ctx, "run-1", "node-b", "p2", d2))
	require.NoError(t, s.Attach(ctx, "run-1", "node-c", "p1", d1))

	outs, err := s.NodeOutputs(ctx, "run-1", "node-b")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"p1": d1, "p2": d2}, outs)
}

func TestStore_AppendChunkAssignsMonotoneIndices(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, i0, err := s.AppendChunk(ctx, "run-1", "node-b", "stdout", []byte("first"))
	require.NoError(t, err)
	_, i1, err := s.AppendChunk(ctx, "run-1", "node-b", "stdout", []byte("second"))
	require.NoError(t, err)
	_, j0, err := s.AppendChunk(ctx, "run-1", "node-b", "stderr", []byte("oops"))
	require.NoError(t, err)

	assert.Equal(t, 0, i0)
	assert.Equal(t, 1, i1)
	assert.Equal(t, 0, j0, "streams index independently")

	// Chunks are readable back in order through the node_io linkage.
	d, ok, err := s.NodeIO(ctx, "run-1", "node-b", "stdout.chunk.1")
	require.NoError(t, err)
	require.True(t, ok)
	raw, err := s.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), raw)
}

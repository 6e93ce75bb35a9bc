// Package artifacts implements the Artifact Store Adapter (spec §4.E):
// content-addressed storage for node I/O and terminal stream chunks, split
// into a metadata store (bun/Postgres, grounded on the teacher's dependency
// stack, with an in-memory twin for tests and local runs) and a pluggable
// blob backend for the bytes themselves.
package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/uptrace/bun"
)

// ErrNotFound is returned by Get when the digest was never stored (spec §4.E).
var ErrNotFound = fmt.Errorf("artifact: not found")

// BlobBackend stores and retrieves raw bytes by content digest.
type BlobBackend interface {
	PutBytes(ctx context.Context, digest string, data []byte) error
	GetBytes(ctx context.Context, digest string) ([]byte, error)
}

// metadataStore persists the `artifacts` and `node_io` rows (spec §6).
type metadataStore interface {
	recordArtifact(ctx context.Context, digest, mediaType string, size int64) error
	link(ctx context.Context, runID, nodeRef, portID, digest string) error
	lookup(ctx context.Context, runID, nodeRef, portID string) (string, bool, error)
	linksFor(ctx context.Context, runID, nodeRef string) (map[string]string, error)
}

// metadataRow is the bun model for the `artifacts` table (spec §6).
type metadataRow struct {
	bun.BaseModel `bun:"table:artifacts"`

	Digest    string    `bun:"digest,pk"`
	MediaType string    `bun:"media_type"`
	SizeBytes int64     `bun:"size_bytes"`
	StoredAt  time.Time `bun:"stored_at"`
}

// linkRow is the bun model for `node_io` (spec §6).
type linkRow struct {
	bun.BaseModel `bun:"table:node_io"`

	RunID   string `bun:"run_id,pk"`
	NodeRef string `bun:"node_ref,pk"`
	PortID  string `bun:"port_id,pk"`
	Digest  string `bun:"digest"`
}

// bunMetadata is the Postgres-backed metadataStore.
type bunMetadata struct {
	db *bun.DB
}

func (m *bunMetadata) recordArtifact(ctx context.Context, digest, mediaType string, size int64) error {
	row := &metadataRow{Digest: digest, MediaType: mediaType, SizeBytes: size, StoredAt: time.Now().UTC()}
	_, err := m.db.NewInsert().Model(row).On("CONFLICT (digest) DO NOTHING").Exec(ctx)
	return err
}

func (m *bunMetadata) link(ctx context.Context, runID, nodeRef, portID, digest string) error {
	row := &linkRow{RunID: runID, NodeRef: nodeRef, PortID: portID, Digest: digest}
	_, err := m.db.NewInsert().Model(row).
		On("CONFLICT (run_id, node_ref, port_id) DO UPDATE").
		Set("digest = EXCLUDED.digest").
		Exec(ctx)
	return err
}

func (m *bunMetadata) lookup(ctx context.Context, runID, nodeRef, portID string) (string, bool, error) {
	row := new(linkRow)
	err := m.db.NewSelect().Model(row).
		Where("run_id = ? AND node_ref = ? AND port_id = ?", runID, nodeRef, portID).
		Scan(ctx)
	if err != nil {
		return "", false, nil //nolint:nilerr // bun returns sql.ErrNoRows-shaped errors; absence is not a system failure here
	}
	return row.Digest, true, nil
}

func (m *bunMetadata) linksFor(ctx context.Context, runID, nodeRef string) (map[string]string, error) {
	var rows []linkRow
	err := m.db.NewSelect().Model(&rows).
		Where("run_id = ? AND node_ref = ?", runID, nodeRef).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.PortID] = r.Digest
	}
	return out, nil
}

// memoryMetadata is the in-process metadataStore used by tests and the
// CLI's local-run mode, mirroring bunMetadata's upsert semantics.
type memoryMetadata struct {
	mu        sync.RWMutex
	artifacts map[string]metadataRow
	links     map[string]string // "runID|nodeRef|portID" -> digest
}

func newMemoryMetadata() *memoryMetadata {
	return &memoryMetadata{
		artifacts: make(map[string]metadataRow),
		links:     make(map[string]string),
	}
}

func linkKey(runID, nodeRef, portID string) string { return runID + "|" + nodeRef + "|" + portID }

func (m *memoryMetadata) recordArtifact(_ context.Context, digest, mediaType string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[digest]; !ok {
		m.artifacts[digest] = metadataRow{Digest: digest, MediaType: mediaType, SizeBytes: size, StoredAt: time.Now().UTC()}
	}
	return nil
}

func (m *memoryMetadata) link(_ context.Context, runID, nodeRef, portID, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[linkKey(runID, nodeRef, portID)] = digest
	return nil
}

func (m *memoryMetadata) lookup(_ context.Context, runID, nodeRef, portID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.links[linkKey(runID, nodeRef, portID)]
	return d, ok, nil
}

func (m *memoryMetadata) linksFor(_ context.Context, runID, nodeRef string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := runID + "|" + nodeRef + "|"
	out := make(map[string]string)
	for k, d := range m.links {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = d
		}
	}
	return out, nil
}

// Store is the content-addressed adapter spec §4.E describes.
type Store struct {
	meta   metadataStore
	blobs  BlobBackend
	mu     sync.Mutex // guards chunk-index bookkeeping for terminal streams
	chunks map[string]int
}

// NewStore builds a Store over the Postgres metadata tables, the durable
// configuration every production subcommand uses.
func NewStore(db *bun.DB, blobs BlobBackend) *Store {
	return &Store{meta: &bunMetadata{db: db}, blobs: blobs, chunks: make(map[string]int)}
}

// NewMemoryStore builds a fully in-process Store (memory metadata + memory
// blobs), used by tests and the CLI when no database is configured.
func NewMemoryStore() *Store {
	return &Store{meta: newMemoryMetadata(), blobs: NewMemoryBlobBackend(), chunks: make(map[string]int)}
}

// Put stores bytes under their SHA-256 digest, idempotently: re-puts of
// identical bytes are a metadata no-op plus a blob write that the backend
// itself should make cheap for identical content (spec §4.E, §8 "put(bytes)
// then get(digest) returns bytes; digest is a pure function of bytes").
func (s *Store) Put(ctx context.Context, data []byte, mediaType string) (string, error) {
	sum := sha256.Sum256(data)
	digest := fmt.Sprintf("%x", sum)

	if err := s.blobs.PutBytes(ctx, digest, data); err != nil {
		return "", fmt.Errorf("put blob %s: %w", digest, err)
	}
	if err := s.meta.recordArtifact(ctx, digest, mediaType, int64(len(data))); err != nil {
		return "", fmt.Errorf("record artifact metadata %s: %w", digest, err)
	}
	return digest, nil
}

// Get fetches bytes by digest, failing with ErrNotFound if never stored.
func (s *Store) Get(ctx context.Context, digest string) ([]byte, error) {
	data, err := s.blobs.GetBytes(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, digest, err)
	}
	return data, nil
}

// Attach records the (runId, nodeRef, portId) -> digest linkage used by
// reads of node I/O (spec §4.E, §6 node_io table).
func (s *Store) Attach(ctx context.Context, runID, nodeRef, portID, digest string) error {
	if err := s.meta.link(ctx, runID, nodeRef, portID, digest); err != nil {
		return fmt.Errorf("attach artifact for run=%s node=%s port=%s: %w", runID, nodeRef, portID, err)
	}
	return nil
}

// NodeIO returns the digest attached to (runID, nodeRef, portID), if any.
func (s *Store) NodeIO(ctx context.Context, runID, nodeRef, portID string) (string, bool, error) {
	return s.meta.lookup(ctx, runID, nodeRef, portID)
}

// NodeOutputs returns every portId -> digest linkage recorded for
// (runID, nodeRef), used to assemble a node's full output when exposing it
// as a run output (spec §4.F "Result assembly").
func (s *Store) NodeOutputs(ctx context.Context, runID, nodeRef string) (map[string]string, error) {
	out, err := s.meta.linksFor(ctx, runID, nodeRef)
	if err != nil {
		return nil, fmt.Errorf("list node outputs for run=%s node=%s: %w", runID, nodeRef, err)
	}
	return out, nil
}

// AppendChunk writes one ordered chunk of a terminal stream (stdout/stderr)
// for (runID, nodeRef, stream), assigning a monotone chunk index so readers
// can reassemble order (spec §4.E).
func (s *Store) AppendChunk(ctx context.Context, runID, nodeRef, stream string, data []byte) (digest string, index int, err error) {
	key := runID + "|" + nodeRef + "|" + stream

	s.mu.Lock()
	index = s.chunks[key]
	s.chunks[key] = index + 1
	s.mu.Unlock()

	digest, err = s.Put(ctx, data, "application/octet-stream")
	if err != nil {
		return "", 0, err
	}
	portID := fmt.Sprintf("%s.chunk.%d", stream, index)
	if err := s.Attach(ctx, runID, nodeRef, portID, digest); err != nil {
		return "", 0, err
	}
	return digest, index, nil
}

// ReadAll drains r fully; used by callers chunking a live stdout/stderr pipe
// before handing bytes to AppendChunk.
func ReadAll(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

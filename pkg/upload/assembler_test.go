package upload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenancelab/vidproof/pkg/storage/blob"
)

const testChunkSize = 8

func newTestAssembler(t *testing.T) *Assembler {
	t.Helper()
	store, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	return NewAssembler(store, testChunkSize, 1<<20, zerolog.Nop())
}

func TestValidateFile(t *testing.T) {
	assert.NoError(t, ValidateFile("video.mp4", "video/mp4", 100, 1000))
	assert.NoError(t, ValidateFile("VIDEO.MOV", "", 100, 1000))

	assert.ErrorIs(t, ValidateFile("notes.txt", "", 100, 1000), ErrValidation)
	assert.ErrorIs(t, ValidateFile("video.mp4", "application/pdf", 100, 1000), ErrValidation)
	assert.ErrorIs(t, ValidateFile("video.mp4", "video/mp4", 0, 1000), ErrValidation)
	assert.ErrorIs(t, ValidateFile("video.mp4", "video/mp4", 2000, 1000), ErrValidation)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "_etc_passwd.mp4", SanitizeFilename("/etc/passwd.mp4"))
	assert.Equal(t, "a_b_.mov", SanitizeFilename("a<b>.mov"))
	assert.NotContains(t, SanitizeFilename("..\\..\\evil.mp4"), "..")

	long := strings.Repeat("x", 300) + ".mp4"
	assert.LessOrEqual(t, len(SanitizeFilename(long)), 255)
	assert.True(t, strings.HasSuffix(SanitizeFilename(long), ".mp4"))
}

func TestDetectMediaType(t *testing.T) {
	assert.Equal(t, "video/quicktime", DetectMediaType("clip.mov"))
	assert.Equal(t, "video/x-matroska", DetectMediaType("clip.mkv"))
	assert.Equal(t, "video/mp4", DetectMediaType("clip.unknown"))
}

func TestAssembler_RoundTrip(t *testing.T) {
	a := newTestAssembler(t)

	payload := []byte("0123456789abcdefghij") // 20 bytes => 3 chunks of 8
	sess, err := a.Init("evidence.mp4", int64(len(payload)), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, 3, sess.TotalChunks)

	// Chunks arrive out of order.
	for _, idx := range []int{2, 0, 1} {
		start := idx * testChunkSize
		end := start + testChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		received, progress, err := a.PutChunk(sess.ID, idx, bytes.NewReader(payload[start:end]))
		require.NoError(t, err)
		assert.Greater(t, received, 0)
		assert.Greater(t, progress, 0.0)
	}

	status, err := a.Status(sess.ID)
	require.NoError(t, err)
	assert.True(t, status.IsComplete)
	assert.Equal(t, 3, status.ChunksReceived)
	assert.InDelta(t, 100.0, status.Progress, 1e-9)

	abs, sha, err := a.Complete(sess.ID, "analyses/job-1/original")
	require.NoError(t, err)

	assembled, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, payload, assembled)

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), sha)

	// Completion finalizes the session: the chunk area is reclaimed and the
	// id is no longer known.
	_, err = a.Status(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = a.Complete(sess.ID, "analyses/job-1/original")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssembler_DuplicateChunkIsIdempotent(t *testing.T) {
	a := newTestAssembler(t)

	payload := []byte("aaaaaaaabbbbbbbb")
	sess, err := a.Init("v.mp4", int64(len(payload)), "")
	require.NoError(t, err)

	_, _, err = a.PutChunk(sess.ID, 0, bytes.NewReader([]byte("xxxxxxxx")))
	require.NoError(t, err)
	received, _, err := a.PutChunk(sess.ID, 0, bytes.NewReader(payload[:8]))
	require.NoError(t, err)
	assert.Equal(t, 1, received, "re-sent chunk must not double-count")

	_, _, err = a.PutChunk(sess.ID, 1, bytes.NewReader(payload[8:]))
	require.NoError(t, err)

	abs, _, err := a.Complete(sess.ID, "analyses/job-2/original")
	require.NoError(t, err)
	assembled, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, payload, assembled, "last write for an index wins")
}

func TestAssembler_ChunkIndexBounds(t *testing.T) {
	a := newTestAssembler(t)

	sess, err := a.Init("v.mp4", 16, "")
	require.NoError(t, err)

	_, _, err = a.PutChunk(sess.ID, 2, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, _, err = a.PutChunk(sess.ID, -1, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, _, err = a.PutChunk("no-such-upload", 0, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssembler_CompleteRejectsMissingChunks(t *testing.T) {
	a := newTestAssembler(t)

	sess, err := a.Init("v.mp4", 24, "")
	require.NoError(t, err)

	_, _, err = a.PutChunk(sess.ID, 0, bytes.NewReader(make([]byte, 8)))
	require.NoError(t, err)
	_, _, err = a.PutChunk(sess.ID, 2, bytes.NewReader(make([]byte, 8)))
	require.NoError(t, err)

	_, _, err = a.Complete(sess.ID, "analyses/job-3/original")
	assert.ErrorIs(t, err, ErrIncomplete)

	indexes, err := a.ReceivedIndexes(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, indexes)
}

func TestAssembler_SweepOlderThan(t *testing.T) {
	a := newTestAssembler(t)

	stale, err := a.Init("old.mp4", 16, "")
	require.NoError(t, err)
	fresh, err := a.Init("new.mp4", 16, "")
	require.NoError(t, err)

	// Age the stale session by rewriting its sidecar.
	dir := a.store.Abs(a.store.UploadDir(stale.ID))
	stale.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, a.writeSidecar(dir, stale))

	removed, err := a.SweepOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = a.Status(stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = a.Status(fresh.ID)
	assert.NoError(t, err)
}

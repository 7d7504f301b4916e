// Package upload implements the chunked-upload assembly protocol: chunks
// arrive in any order, possibly duplicated, and are reassembled into a
// single checksummed file. Sessions survive a process restart because the
// sidecar and chunk files are the only state.
package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/provenancelab/vidproof/pkg/storage/blob"
)

var (
	// ErrValidation marks ill-formed inputs at the boundary (bad
	// extension, oversize, zero size). Surfaced as 400.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown or already-finalized upload id.
	ErrNotFound = errors.New("upload not found")
	// ErrOutOfRange marks a chunk index outside [0, total_chunks).
	ErrOutOfRange = errors.New("chunk index out of range")
	// ErrIncomplete marks a complete call before every chunk arrived.
	ErrIncomplete = errors.New("upload incomplete")
)

// AllowedExtensions and AllowedMediaTypes bound what the service ingests.
var AllowedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

var AllowedMediaTypes = map[string]bool{
	"video/mp4":        true,
	"video/quicktime":  true,
	"video/x-msvideo":  true,
	"video/x-matroska": true,
	"video/webm":       true,
}

var extensionMediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

const sidecarName = "metadata.json"

// Session is the transient state of one chunked upload, persisted as a
// JSON sidecar next to the chunk files.
type Session struct {
	ID          string    `json:"upload_id"`
	Filename    string    `json:"filename"`
	TotalSize   int64     `json:"file_size"`
	MediaType   string    `json:"media_type"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	CreatedAt   time.Time `json:"created_at"`
}

// Status is the externally visible view of a session.
type Status struct {
	Session
	ChunksReceived int     `json:"chunks_received"`
	Progress       float64 `json:"progress"`
	IsComplete     bool    `json:"is_complete"`
}

// Assembler receives, persists and reassembles upload chunks. Chunk files
// live under <storage root>/uploads/<upload_id>/chunk_%05d.
type Assembler struct {
	store       *blob.Store
	chunkSize   int64
	maxFileSize int64
	log         zerolog.Logger
}

// NewAssembler wires the assembler to the local blob store.
func NewAssembler(store *blob.Store, chunkSize, maxFileSize int64, log zerolog.Logger) *Assembler {
	return &Assembler{
		store:       store,
		chunkSize:   chunkSize,
		maxFileSize: maxFileSize,
		log:         log.With().Str("component", "upload").Logger(),
	}
}

// ValidateFile checks the declared filename extension, media type and
// size against the allowed sets.
func ValidateFile(filename, mediaType string, size, maxSize int64) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if !AllowedExtensions[ext] {
		return fmt.Errorf("%w: extension not allowed: %s", ErrValidation, ext)
	}
	if mediaType != "" && !AllowedMediaTypes[mediaType] {
		return fmt.Errorf("%w: media type not allowed: %s", ErrValidation, mediaType)
	}
	if size <= 0 {
		return fmt.Errorf("%w: file size must be greater than zero", ErrValidation)
	}
	if size > maxSize {
		return fmt.Errorf("%w: file too large: %d bytes (max %d)", ErrValidation, size, maxSize)
	}
	return nil
}

// DetectMediaType maps a filename to its media type, defaulting to
// video/mp4 for unknown video extensions.
func DetectMediaType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if mt, ok := extensionMediaTypes[ext]; ok {
		return mt
	}
	return "video/mp4"
}

// SanitizeFilename strips path separators and shell-hostile characters
// from a client-declared filename.
func SanitizeFilename(filename string) string {
	sanitized := filename
	for _, c := range []string{"/", "\\", "..", "<", ">", ":", "\"", "|", "?", "*"} {
		sanitized = strings.ReplaceAll(sanitized, c, "_")
	}
	if len(sanitized) > 255 {
		ext := filepath.Ext(sanitized)
		sanitized = sanitized[:255-len(ext)] + ext
	}
	return sanitized
}

// Init validates the declared file and creates a new session. The chunk
// size is fixed by configuration; total_chunks = ceil(size / chunk_size).
func (a *Assembler) Init(filename string, totalSize int64, mediaType string) (*Session, error) {
	if err := ValidateFile(filename, mediaType, totalSize, a.maxFileSize); err != nil {
		return nil, err
	}
	if mediaType == "" {
		mediaType = DetectMediaType(filename)
	}

	sess := &Session{
		ID:          uuid.New().String(),
		Filename:    SanitizeFilename(filename),
		TotalSize:   totalSize,
		MediaType:   mediaType,
		ChunkSize:   a.chunkSize,
		TotalChunks: int((totalSize + a.chunkSize - 1) / a.chunkSize),
		CreatedAt:   time.Now().UTC(),
	}

	dir := a.store.Abs(a.store.UploadDir(sess.ID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	if err := a.writeSidecar(dir, sess); err != nil {
		return nil, err
	}

	a.log.Info().
		Str("upload_id", sess.ID).
		Str("filename", sess.Filename).
		Int64("size", totalSize).
		Int("total_chunks", sess.TotalChunks).
		Msg("upload session initialized")

	return sess, nil
}

// PutChunk persists one chunk. Writing is idempotent: the same index may
// arrive twice and simply overwrites; indexes may arrive in any order.
// The chunk is durably flushed before the call returns.
func (a *Assembler) PutChunk(uploadID string, index int, r io.Reader) (int, float64, error) {
	sess, dir, err := a.load(uploadID)
	if err != nil {
		return 0, 0, err
	}
	if index < 0 || index >= sess.TotalChunks {
		return 0, 0, fmt.Errorf("%w: chunk %d of %d", ErrOutOfRange, index, sess.TotalChunks)
	}

	// Write-temp-then-rename keeps the overwrite of a duplicated chunk
	// atomic with respect to a concurrent complete.
	tmp, err := os.CreateTemp(dir, ".chunk-*")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create chunk temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, io.LimitReader(r, sess.ChunkSize)); err != nil {
		tmp.Close()
		return 0, 0, fmt.Errorf("failed to write chunk %d: %w", index, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, 0, fmt.Errorf("failed to flush chunk %d: %w", index, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, 0, fmt.Errorf("failed to close chunk %d: %w", index, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, chunkName(index))); err != nil {
		return 0, 0, fmt.Errorf("failed to publish chunk %d: %w", index, err)
	}

	received := a.countChunks(dir)
	return received, float64(received) / float64(sess.TotalChunks) * 100, nil
}

// Complete reassembles the chunks in index order into destDir (a
// store-relative directory), computes the SHA-256 in the same pass and
// reclaims the chunk storage. It fails with ErrIncomplete while any chunk
// is missing.
func (a *Assembler) Complete(uploadID, destDir string) (string, string, error) {
	sess, dir, err := a.load(uploadID)
	if err != nil {
		return "", "", err
	}

	readers := make([]io.Reader, 0, sess.TotalChunks)
	files := make([]*os.File, 0, sess.TotalChunks)
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	for i := 0; i < sess.TotalChunks; i++ {
		f, err := os.Open(filepath.Join(dir, chunkName(i)))
		if err != nil {
			if os.IsNotExist(err) {
				return "", "", fmt.Errorf("%w: missing chunk %d of %d", ErrIncomplete, i, sess.TotalChunks)
			}
			return "", "", fmt.Errorf("failed to open chunk %d: %w", i, err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	rel := filepath.Join(destDir, sess.Filename)
	abs, sha, size, err := a.store.Put(rel, io.MultiReader(readers...))
	if err != nil {
		return "", "", err
	}

	if size != sess.TotalSize {
		a.log.Warn().
			Str("upload_id", uploadID).
			Int64("declared", sess.TotalSize).
			Int64("assembled", size).
			Msg("assembled size differs from declared size")
	}

	if err := os.RemoveAll(dir); err != nil {
		a.log.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to reclaim chunk storage")
	}

	a.log.Info().
		Str("upload_id", uploadID).
		Str("path", abs).
		Str("sha256", sha).
		Msg("upload assembled")

	return abs, sha, nil
}

// Status reports the session sidecar fields plus received-chunk counts.
func (a *Assembler) Status(uploadID string) (*Status, error) {
	sess, dir, err := a.load(uploadID)
	if err != nil {
		return nil, err
	}
	received := a.countChunks(dir)
	return &Status{
		Session:        *sess,
		ChunksReceived: received,
		Progress:       float64(received) / float64(sess.TotalChunks) * 100,
		IsComplete:     received == sess.TotalChunks,
	}, nil
}

// SweepOlderThan removes abandoned upload sessions older than age and
// returns how many were reclaimed.
func (a *Assembler) SweepOlderThan(age time.Duration) (int, error) {
	root := a.store.Abs("uploads")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan uploads: %w", err)
	}

	cutoff := time.Now().UTC().Add(-age)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, _, err := a.load(e.Name())
		if err != nil || sess.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			a.log.Warn().Err(err).Str("upload_id", e.Name()).Msg("failed to sweep upload")
			continue
		}
		removed++
	}
	if removed > 0 {
		a.log.Info().Int("removed", removed).Msg("swept abandoned uploads")
	}
	return removed, nil
}

// load reads the session sidecar; an absent directory or sidecar means the
// id is unknown or already finalized.
func (a *Assembler) load(uploadID string) (*Session, string, error) {
	dir := a.store.Abs(a.store.UploadDir(uploadID))
	data, err := os.ReadFile(filepath.Join(dir, sidecarName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, uploadID)
		}
		return nil, "", fmt.Errorf("failed to read upload sidecar: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, "", fmt.Errorf("failed to decode upload sidecar: %w", err)
	}
	return &sess, dir, nil
}

func (a *Assembler) writeSidecar(dir string, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode upload sidecar: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, sidecarName), data, 0644); err != nil {
		return fmt.Errorf("failed to write upload sidecar: %w", err)
	}
	return nil
}

// countChunks counts the distinct chunk files present.
func (a *Assembler) countChunks(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "chunk_") {
			count++
		}
	}
	return count
}

// ReceivedIndexes lists the chunk indexes present, sorted ascending.
func (a *Assembler) ReceivedIndexes(uploadID string) ([]int, error) {
	_, dir, err := a.load(uploadID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan upload directory: %w", err)
	}
	var indexes []int
	for _, e := range entries {
		var idx int
		if n, _ := fmt.Sscanf(e.Name(), "chunk_%05d", &idx); n == 1 {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)
	return indexes, nil
}

func chunkName(index int) string {
	return fmt.Sprintf("chunk_%05d", index)
}

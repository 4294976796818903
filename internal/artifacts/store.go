package artifacts

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/interfaces"
)

// uploadsDir holds in-progress chunked uploads under the storage root.
const uploadsDir = "_uploads"

// Store is the filesystem implementation of interfaces.ArtifactStore.
// Every service mounts the same volume; paths handed to other services
// are always relative to root.
type Store struct {
	root   string
	logger arbor.ILogger

	// Serializes read-modify-write of per-upload metadata when chunks
	// arrive concurrently.
	uploadMu sync.Mutex
}

// NewStore creates the artifact store rooted at root, creating the
// directory if needed.
func NewStore(root string, logger arbor.ILogger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Store{root: abs, logger: logger}, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string {
	return s.root
}

// resolve maps a relative artifact path onto the root, rejecting
// traversal outside it.
func (s *Store) resolve(relPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid artifact path: %s", relPath)
	}
	return filepath.Join(s.root, clean), nil
}

// Save writes data to relPath atomically: a temp file in the target
// directory is renamed into place so readers never observe a partial
// write.
func (s *Store) Save(relPath string, data []byte) error {
	target, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write artifact %s: %w", relPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close artifact %s: %w", relPath, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize artifact %s: %w", relPath, err)
	}
	return nil
}

// Get reads the artifact at relPath.
func (s *Store) Get(relPath string) ([]byte, error) {
	target, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", relPath, interfaces.ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", relPath, err)
	}
	return data, nil
}

// Exists reports whether relPath is present under the root.
func (s *Store) Exists(relPath string) bool {
	target, err := s.resolve(relPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(target)
	return err == nil
}

// Delete removes the artifact file or folder at relPath. Deleting a
// missing path is not an error.
func (s *Store) Delete(relPath string) error {
	target, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", relPath, err)
	}
	return nil
}

// List returns the relative paths of files directly under prefix whose
// base name matches glob, sorted lexicographically. Marking jobs use
// this to enumerate the sheets in an answer-sheet folder; the sort
// order fixes the spreadsheet row order.
func (s *Store) List(prefix, glob string) ([]string, error) {
	dir, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", prefix, interfaces.ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ok, err := filepath.Match(glob, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("bad glob %q: %w", glob, err)
		}
		if ok {
			matches = append(matches, filepath.ToSlash(filepath.Join(prefix, entry.Name())))
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (s *Store) uploadDir(uploadID string) (string, error) {
	if uploadID == "" || strings.ContainsAny(uploadID, `/\`) {
		return "", fmt.Errorf("invalid upload id: %s", uploadID)
	}
	return filepath.Join(s.root, uploadsDir, uploadID), nil
}

func chunkName(index int) string {
	return fmt.Sprintf("chunk_%04d", index)
}

// BeginUpload opens a chunked upload session and returns its id.
// The filename and expected chunk count are recorded so UploadStatus
// can report completeness.
func (s *Store) BeginUpload(filename string, totalChunks int) (string, error) {
	if totalChunks < 1 {
		return "", fmt.Errorf("invalid chunk count %d", totalChunks)
	}

	uploadID := common.NewUploadID()
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()
	meta := &interfaces.UploadMetadata{Filename: filename, TotalChunks: totalChunks}
	if err := s.writeUploadMeta(dir, meta); err != nil {
		return "", err
	}
	return uploadID, nil
}

// SaveChunk stores one chunk of an upload and records its arrival in
// the upload metadata. Chunks may arrive concurrently and out of
// order; the metadata read-modify-write is serialized.
func (s *Store) SaveChunk(uploadID string, index int, data []byte) error {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return err
	}
	if index < 0 {
		return fmt.Errorf("invalid chunk index %d", index)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, chunkName(index)), data, 0644); err != nil {
		return fmt.Errorf("failed to write chunk %d of %s: %w", index, uploadID, err)
	}

	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	meta, err := s.readUploadMeta(dir)
	if err != nil {
		meta = &interfaces.UploadMetadata{}
	}
	for _, got := range meta.ChunksReceived {
		if got == index {
			return nil // duplicate delivery
		}
	}
	meta.ChunksReceived = append(meta.ChunksReceived, index)
	sort.Ints(meta.ChunksReceived)
	return s.writeUploadMeta(dir, meta)
}

// GetChunk reads one stored chunk.
func (s *Store) GetChunk(uploadID string, index int) ([]byte, error) {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, chunkName(index)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chunk %d of %s: %w", index, uploadID, interfaces.ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("failed to read chunk %d of %s: %w", index, uploadID, err)
	}
	return data, nil
}

// CombineChunks concatenates chunks 0..total-1 into finalPath and
// removes the upload directory. It fails if any chunk is missing.
func (s *Store) CombineChunks(uploadID string, total int, finalPath string) error {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return err
	}
	target, err := s.resolve(finalPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	for i := 0; i < total; i++ {
		chunk, err := os.Open(filepath.Join(dir, chunkName(i)))
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			if os.IsNotExist(err) {
				return fmt.Errorf("upload %s missing chunk %d of %d", uploadID, i, total)
			}
			return fmt.Errorf("failed to open chunk %d of %s: %w", i, uploadID, err)
		}
		_, err = io.Copy(tmp, chunk)
		chunk.Close()
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("failed to combine chunk %d of %s: %w", i, uploadID, err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close combined file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize %s: %w", finalPath, err)
	}

	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn().Err(err).Str("upload_id", uploadID).Msg("Failed to remove upload directory")
	}
	return nil
}

// DeleteUpload discards a partial upload.
func (s *Store) DeleteUpload(uploadID string) error {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete upload %s: %w", uploadID, err)
	}
	return nil
}

// UploadStatus reports which chunks of an upload have arrived.
func (s *Store) UploadStatus(uploadID string) (*interfaces.UploadMetadata, error) {
	dir, err := s.uploadDir(uploadID)
	if err != nil {
		return nil, err
	}

	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	meta, err := s.readUploadMeta(dir)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", uploadID, interfaces.ErrArtifactNotFound)
	}
	return meta, nil
}

func (s *Store) readUploadMeta(dir string) (*interfaces.UploadMetadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, err
	}
	var meta interfaces.UploadMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *Store) writeUploadMeta(dir string, meta *interfaces.UploadMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write upload metadata: %w", err)
	}
	return nil
}

// ExtractZip unpacks the archive at relPath into a sibling folder
// named after the archive, deletes the archive, and returns the
// folder's relative path. Entries that would escape the folder are
// rejected.
func (s *Store) ExtractZip(relPath string) (string, error) {
	archivePath, err := s.resolve(relPath)
	if err != nil {
		return "", err
	}

	relFolder := strings.TrimSuffix(relPath, filepath.Ext(relPath))
	folder, err := s.resolve(relFolder)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(folder, 0755); err != nil {
		return "", fmt.Errorf("failed to create extraction folder: %w", err)
	}

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", relPath, interfaces.ErrArtifactNotFound)
		}
		return "", fmt.Errorf("failed to open archive %s: %w", relPath, err)
	}
	defer reader.Close()

	for _, entry := range reader.File {
		if err := s.extractEntry(folder, entry); err != nil {
			return "", fmt.Errorf("failed to extract %s from %s: %w", entry.Name, relPath, err)
		}
	}

	if err := os.Remove(archivePath); err != nil {
		s.logger.Warn().Err(err).Str("path", relPath).Msg("Failed to remove extracted archive")
	}

	return filepath.ToSlash(relFolder), nil
}

func (s *Store) extractEntry(folder string, entry *zip.File) error {
	name := filepath.Clean(filepath.FromSlash(entry.Name))
	if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
		return fmt.Errorf("unsafe archive entry %q", entry.Name)
	}
	target := filepath.Join(folder, name)

	if entry.FileInfo().IsDir() {
		return os.MkdirAll(target, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

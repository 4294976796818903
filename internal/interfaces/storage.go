package interfaces

import "errors"

// ErrArtifactNotFound is returned by the artifact store when a
// relative path does not exist under the storage root.
var ErrArtifactNotFound = errors.New("artifact not found")

// UploadMetadata tracks a chunked upload in progress.
type UploadMetadata struct {
	Filename       string `json:"filename"`
	TotalChunks    int    `json:"total_chunks"`
	ChunksReceived []int  `json:"chunks_received"`
}

// ArtifactStore is the shared content directory on a mounted volume.
// All paths are relative to the configured root. Each file is written
// by at most one writer (paths embed a uuid suffix); concurrent
// readers are tolerated.
type ArtifactStore interface {
	Save(relPath string, data []byte) error
	Get(relPath string) ([]byte, error)
	Exists(relPath string) bool
	Delete(relPath string) error
	List(prefix, glob string) ([]string, error)

	BeginUpload(filename string, totalChunks int) (string, error)
	SaveChunk(uploadID string, index int, data []byte) error
	GetChunk(uploadID string, index int) ([]byte, error)
	CombineChunks(uploadID string, total int, finalPath string) error
	DeleteUpload(uploadID string) error
	UploadStatus(uploadID string) (*UploadMetadata, error)

	// ExtractZip unpacks relPath into a sibling folder, removes the
	// archive, and returns the folder's relative path.
	ExtractZip(relPath string) (string, error)
}

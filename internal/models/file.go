package models

import "time"

// FileStatus tracks an artifact through upload and retention.
type FileStatus string

const (
	FileStatusPending   FileStatus = "pending"
	FileStatusUploading FileStatus = "uploading"
	FileStatusUploaded  FileStatus = "uploaded"
	FileStatusFailed    FileStatus = "failed"
	FileStatusDeleted   FileStatus = "deleted"
)

// DefaultRetention is how long an artifact is kept before the expiry
// sweep removes it, unless a caller sets an explicit deletion date.
const DefaultRetention = 7 * 24 * time.Hour

// FileOrFolder is the metadata record for an artifact in the shared
// store. The bytes themselves live on the mounted volume; messages in
// flight carry only the relative Path.
type FileOrFolder struct {
	ID           int        `json:"id" badgerhold:"key"`
	Name         string     `json:"name"`
	OriginalName string     `json:"original_name"`
	Path         string     `json:"path"`
	Size         int64      `json:"size"`
	Extension    string     `json:"extension"`
	FileType     string     `json:"file_type"`
	IsFolder     bool       `json:"is_folder"`
	Status       FileStatus `json:"status"`
	DeletionDate time.Time  `json:"deletion_date"`
	Owner        int        `json:"owner"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewFileRecord builds an uploaded-file record with the default
// retention window.
func NewFileRecord(name, originalName, path, extension, fileType string, size int64, owner int) *FileOrFolder {
	now := time.Now().UTC()
	return &FileOrFolder{
		Name:         name,
		OriginalName: originalName,
		Path:         path,
		Size:         size,
		Extension:    extension,
		FileType:     fileType,
		Status:       FileStatusUploaded,
		DeletionDate: now.Add(DefaultRetention),
		Owner:        owner,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Expired reports whether the artifact passed its deletion date.
func (f *FileOrFolder) Expired(now time.Time) bool {
	return f.Status != FileStatusDeleted && now.After(f.DeletionDate)
}

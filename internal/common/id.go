package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewArtifactSuffix returns the short random suffix embedded in
// artifact paths so that each file has exactly one writer.
func NewArtifactSuffix() string {
	return strings.Split(uuid.New().String(), "-")[0]
}

// NewUploadID generates a unique id for a chunked upload session.
func NewUploadID() string {
	return "upload_" + uuid.New().String()
}

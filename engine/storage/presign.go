package storage

import (
	"context"
	"time"
)

const DefaultURLExpiry = 15 * time.Minute

type PresignedURL struct {
	FolderID  string    `json:"folderId"`
	ObjectKey string    `json:"objectKey"`
	Method    Method    `json:"method"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Presigner signs a single storage request.
type Presigner interface {
	Presign(ctx context.Context, req Request, expires time.Duration) (PresignedURL, error)
}

// Package s3presign issues presigned S3 URLs for storage folders.
package s3presign

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/compozy/taskengine/engine/storage"
)

var ErrUnknownFolder = errors.New("unknown storage folder")

// Folder locates a storage folder inside a bucket.
type Folder struct {
	Bucket string `koanf:"bucket" yaml:"bucket" validate:"required"`
	Prefix string `koanf:"prefix" yaml:"prefix"`
}

type Config struct {
	Region          string            `koanf:"region"`
	Endpoint        string            `koanf:"endpoint"`
	AccessKeyID     string            `koanf:"access_key_id"`
	SecretAccessKey string            `koanf:"secret_access_key"`
	UsePathStyle    bool              `koanf:"use_path_style"`
	Folders         map[string]Folder `koanf:"folders"`
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignDeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignHeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Presigner implements storage.Presigner on the S3 presign client.
type Presigner struct {
	client  presignAPI
	folders map[string]Folder
	now     func() time.Time
}

func New(cfg *Config) (*Presigner, error) {
	if cfg == nil {
		return nil, errors.New("s3presign: config is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3presign: region is required")
	}
	awsCfg := aws.Config{Region: cfg.Region}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newWithClient(s3.NewPresignClient(client), cfg.Folders), nil
}

func newWithClient(client presignAPI, folders map[string]Folder) *Presigner {
	return &Presigner{client: client, folders: folders, now: time.Now}
}

// objectKey maps a folder-relative key to its bucket key. Keys that would
// escape the folder prefix are rejected.
func (p *Presigner) objectKey(req storage.Request) (string, string, error) {
	folder, ok := p.folders[req.FolderID]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownFolder, req.FolderID)
	}
	if req.ObjectKey == "" {
		return "", "", errors.New("object key is required")
	}
	if folder.Prefix == "" {
		clean := path.Clean("/" + req.ObjectKey)[1:]
		if clean != strings.TrimPrefix(req.ObjectKey, "/") {
			return "", "", fmt.Errorf("invalid object key %q", req.ObjectKey)
		}
		return folder.Bucket, clean, nil
	}
	prefix := strings.TrimSuffix(folder.Prefix, "/") + "/"
	key := path.Join(prefix, req.ObjectKey)
	if !strings.HasPrefix(key, prefix) {
		return "", "", fmt.Errorf("object key %q escapes folder %s", req.ObjectKey, req.FolderID)
	}
	return folder.Bucket, key, nil
}

func (p *Presigner) Presign(ctx context.Context, req storage.Request, expires time.Duration) (storage.PresignedURL, error) {
	if expires <= 0 {
		expires = storage.DefaultURLExpiry
	}
	bucket, key, err := p.objectKey(req)
	if err != nil {
		return storage.PresignedURL{}, err
	}
	withExpiry := s3.WithPresignExpires(expires)
	var signed *v4.PresignedHTTPRequest
	switch req.Method {
	case storage.MethodGet:
		signed, err = p.client.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key}, withExpiry)
	case storage.MethodPut:
		signed, err = p.client.PresignPutObject(ctx, &s3.PutObjectInput{Bucket: &bucket, Key: &key}, withExpiry)
	case storage.MethodDelete:
		signed, err = p.client.PresignDeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: &key}, withExpiry)
	case storage.MethodHead:
		signed, err = p.client.PresignHeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key}, withExpiry)
	default:
		return storage.PresignedURL{}, fmt.Errorf("unsupported storage method %q", req.Method)
	}
	if err != nil {
		return storage.PresignedURL{}, fmt.Errorf("presigning %s %s/%s: %w", req.Method, bucket, key, err)
	}
	return storage.PresignedURL{
		FolderID:  req.FolderID,
		ObjectKey: req.ObjectKey,
		Method:    req.Method,
		URL:       signed.URL,
		ExpiresAt: p.now().Add(expires).UTC(),
	}, nil
}

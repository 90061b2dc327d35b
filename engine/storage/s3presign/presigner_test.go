package s3presign

import (
	"context"
	"net/url"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/compozy/taskengine/engine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPresignAPI struct {
	mock.Mock
}

func (m *mockPresignAPI) PresignGetObject(
	ctx context.Context,
	in *s3.GetObjectInput,
	_ ...func(*s3.PresignOptions),
) (*v4.PresignedHTTPRequest, error) {
	args := m.Called(ctx, *in.Bucket, *in.Key)
	return args.Get(0).(*v4.PresignedHTTPRequest), args.Error(1)
}

func (m *mockPresignAPI) PresignPutObject(
	ctx context.Context,
	in *s3.PutObjectInput,
	_ ...func(*s3.PresignOptions),
) (*v4.PresignedHTTPRequest, error) {
	args := m.Called(ctx, *in.Bucket, *in.Key)
	return args.Get(0).(*v4.PresignedHTTPRequest), args.Error(1)
}

func (m *mockPresignAPI) PresignDeleteObject(
	ctx context.Context,
	in *s3.DeleteObjectInput,
	_ ...func(*s3.PresignOptions),
) (*v4.PresignedHTTPRequest, error) {
	args := m.Called(ctx, *in.Bucket, *in.Key)
	return args.Get(0).(*v4.PresignedHTTPRequest), args.Error(1)
}

func (m *mockPresignAPI) PresignHeadObject(
	ctx context.Context,
	in *s3.HeadObjectInput,
	_ ...func(*s3.PresignOptions),
) (*v4.PresignedHTTPRequest, error) {
	args := m.Called(ctx, *in.Bucket, *in.Key)
	return args.Get(0).(*v4.PresignedHTTPRequest), args.Error(1)
}

func TestPresigner_Presign(t *testing.T) {
	folders := map[string]Folder{"F": {Bucket: "media", Prefix: "tenant-1"}}

	t.Run("Should map the folder onto its bucket prefix", func(t *testing.T) {
		api := &mockPresignAPI{}
		api.On("PresignPutObject", mock.Anything, "media", "tenant-1/a/b.png").
			Return(&v4.PresignedHTTPRequest{URL: "https://signed", Method: "PUT"}, nil)
		p := newWithClient(api, folders)
		p.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
		out, err := p.Presign(context.Background(), storage.Request{FolderID: "F", ObjectKey: "a/b.png", Method: storage.MethodPut}, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "https://signed", out.URL)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC), out.ExpiresAt)
		api.AssertExpectations(t)
	})

	t.Run("Should refuse keys escaping the folder", func(t *testing.T) {
		p := newWithClient(&mockPresignAPI{}, folders)
		_, err := p.Presign(context.Background(), storage.Request{FolderID: "F", ObjectKey: "../../other/secret", Method: storage.MethodGet}, 0)
		assert.Error(t, err)
	})

	t.Run("Should refuse unknown folders", func(t *testing.T) {
		p := newWithClient(&mockPresignAPI{}, folders)
		_, err := p.Presign(context.Background(), storage.Request{FolderID: "X", ObjectKey: "a", Method: storage.MethodGet}, 0)
		assert.ErrorIs(t, err, ErrUnknownFolder)
	})

	t.Run("Should sign locally with static credentials", func(t *testing.T) {
		p, err := New(&Config{
			Region:          "us-east-1",
			Endpoint:        "http://localhost:9000",
			AccessKeyID:     "AKIDEXAMPLE",
			SecretAccessKey: "secret",
			UsePathStyle:    true,
			Folders:         folders,
		})
		require.NoError(t, err)
		out, err := p.Presign(context.Background(), storage.Request{FolderID: "F", ObjectKey: "a/b", Method: storage.MethodGet}, 5*time.Minute)
		require.NoError(t, err)
		u, err := url.Parse(out.URL)
		require.NoError(t, err)
		assert.Equal(t, "/media/tenant-1/a/b", u.Path)
		assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
		assert.Equal(t, "300", u.Query().Get("X-Amz-Expires"))
	})
}

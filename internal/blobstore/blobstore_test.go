package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	objects   map[string][]byte
	putInputs []*s3.PutObjectInput
	headErr   error
	putErr    error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (fake *fakeObjects) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if fake.putErr != nil {
		return nil, fake.putErr
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	fake.objects[*params.Key] = body
	fake.putInputs = append(fake.putInputs, params)
	return &s3.PutObjectOutput{}, nil
}

func (fake *fakeObjects) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if fake.headErr != nil {
		return nil, fake.headErr
	}
	if _, ok := fake.objects[*params.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (fake *fakeObjects) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(fake.objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (fake *fakeObjects) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

type fakePresigner struct {
	expires time.Duration
}

func (fake *fakePresigner) PresignGetObject(_ context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	options := s3.PresignOptions{}
	for _, optFn := range optFns {
		optFn(&options)
	}
	fake.expires = options.Expires
	return &v4.PresignedHTTPRequest{URL: "https://bucket.example/" + *params.Key + "?X-Amz-Signature=sig"}, nil
}

func newTestStore() (*Store, *fakeObjects, *fakePresigner) {
	objects := newFakeObjects()
	presigner := &fakePresigner{}
	store := newStore(objects, presigner, "resources")
	store.newID = func() string { return "0000-1111" }
	return store, objects, presigner
}

func TestGenerateKey(test *testing.T) {
	test.Parallel()
	store, _, _ := newTestStore()
	now := time.Date(2024, time.March, 9, 23, 0, 0, 0, time.UTC)

	testCases := []struct {
		filename string
		expected string
	}{
		{filename: "particles.pdf", expected: "2024/03/particles-0000-1111.pdf"},
		{filename: "notes.v2.docx", expected: "2024/03/notes.v2-0000-1111.docx"},
		{filename: "README", expected: "2024/03/README-0000-1111"},
		{filename: `C:\Users\me\slides.pptx`, expected: "2024/03/slides-0000-1111.pptx"},
		{filename: "", expected: "2024/03/file-0000-1111"},
	}
	for _, testCase := range testCases {
		assert.Equal(test, testCase.expected, store.GenerateKey(testCase.filename, now), testCase.filename)
	}
}

func TestUploadAndPresign(test *testing.T) {
	test.Parallel()
	store, objects, presigner := newTestStore()
	ctx := context.Background()
	now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(test, store.Upload(ctx, "2024/05/a.pdf", strings.NewReader("pdf-bytes"), 9, "application/pdf", now))
	require.Len(test, objects.putInputs, 1)
	assert.Equal(test, "application/pdf", *objects.putInputs[0].ContentType)
	assert.Equal(test, "9", objects.putInputs[0].Metadata["size"])

	url, err := store.PresignDownload(ctx, "2024/05/a.pdf", 0)
	require.NoError(test, err)
	assert.Contains(test, url, "2024/05/a.pdf")
	assert.Equal(test, DefaultDownloadTTL, presigner.expires)

	_, err = store.PresignDownload(ctx, "missing.pdf", time.Minute)
	assert.ErrorIs(test, err, ErrObjectNotFound)
	assert.ErrorIs(test, err, ErrStorage)

	require.NoError(test, store.Delete(ctx, "2024/05/a.pdf"))
	exists, err := store.Exists(ctx, "2024/05/a.pdf")
	require.NoError(test, err)
	assert.False(test, exists)
}

func TestStorageFailuresWrapErrStorage(test *testing.T) {
	test.Parallel()
	store, objects, _ := newTestStore()
	ctx := context.Background()

	objects.putErr = errors.New("connection refused")
	assert.ErrorIs(test, store.Upload(ctx, "k", strings.NewReader(""), 0, "text/plain", time.Now()), ErrStorage)

	objects.headErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	_, err := store.Exists(ctx, "k")
	assert.ErrorIs(test, err, ErrStorage)

	objects.headErr = &smithy.GenericAPIError{Code: "NoSuchKey", Message: "gone"}
	exists, err := store.Exists(ctx, "k")
	require.NoError(test, err)
	assert.False(test, exists)
}

func TestNewRequiresBucket(test *testing.T) {
	test.Parallel()
	_, err := New(context.Background(), Config{})
	assert.ErrorIs(test, err, ErrInvalidStorageConfig)
}

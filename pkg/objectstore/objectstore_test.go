package objectstore

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves scripted list pages and records writes
type fakeS3 struct {
	// pages served per prefix, consumed in order
	pages map[string][]*s3.ListObjectsV2Output

	putKeys     []string
	deletedKeys []string
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	pages := f.pages[prefix]
	if len(pages) == 0 {
		return &s3.ListObjectsV2Output{KeyCount: aws.Int32(0), IsTruncated: aws.Bool(false)}, nil
	}
	page := pages[0]
	f.pages[prefix] = pages[1:]
	return page, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.putKeys = append(f.putKeys, aws.ToString(in.Key))
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, obj := range in.Delete.Objects {
		f.deletedKeys = append(f.deletedKeys, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func page(truncated bool, token string, objects ...s3types.Object) *s3.ListObjectsV2Output {
	out := &s3.ListObjectsV2Output{
		Contents:    objects,
		KeyCount:    aws.Int32(int32(len(objects))),
		IsTruncated: aws.Bool(truncated),
	}
	if token != "" {
		out.NextContinuationToken = aws.String(token)
	}
	return out
}

func object(key string, size int64) s3types.Object {
	return s3types.Object{Key: aws.String(key), Size: aws.Int64(size)}
}

const userID = "11111111-1111-1111-1111-111111111111"

// TestEnsureUserStorage tests marker creation for empty prefixes
func TestEnsureUserStorage(t *testing.T) {
	f := &fakeS3{pages: map[string][]*s3.ListObjectsV2Output{}}
	s := NewWithClient(f, "matrx-user-data")

	require.NoError(t, s.EnsureUserStorage(context.Background(), userID))

	assert.Equal(t, []string{
		"users/" + userID + "/hot/.keep",
		"users/" + userID + "/cold/.keep",
	}, f.putKeys)
}

// TestEnsureUserStorageExisting tests that populated prefixes are left alone
func TestEnsureUserStorageExisting(t *testing.T) {
	hot := "users/" + userID + "/hot/"
	cold := "users/" + userID + "/cold/"
	f := &fakeS3{pages: map[string][]*s3.ListObjectsV2Output{
		hot:  {page(false, "", object(hot+"file.txt", 10))},
		cold: {page(false, "", object(cold+".keep", 0))},
	}}
	s := NewWithClient(f, "matrx-user-data")

	require.NoError(t, s.EnsureUserStorage(context.Background(), userID))
	assert.Empty(t, f.putKeys)
}

// TestUserStats tests per-tier accumulation across list pages
func TestUserStats(t *testing.T) {
	hot := "users/" + userID + "/hot/"
	cold := "users/" + userID + "/cold/"
	f := &fakeS3{pages: map[string][]*s3.ListObjectsV2Output{
		hot: {
			page(true, "tok1", object(hot+"a", 100), object(hot+"b", 200)),
			page(false, "", object(hot+"c", 50)),
		},
		cold: {page(false, "", object(cold+".keep", 0))},
	}}
	s := NewWithClient(f, "matrx-user-data")

	stats, err := s.UserStats(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, int64(350), stats[TierHot].TotalSizeBytes)
	assert.Equal(t, int64(3), stats[TierHot].TotalObjects)
	assert.Equal(t, int64(0), stats[TierCold].TotalSizeBytes)
	assert.Equal(t, int64(1), stats[TierCold].TotalObjects)
}

// TestCleanupTier tests deletion of everything under a tier prefix
func TestCleanupTier(t *testing.T) {
	hot := "users/" + userID + "/hot/"
	f := &fakeS3{pages: map[string][]*s3.ListObjectsV2Output{
		hot: {
			page(true, "tok1", object(hot+"a", 1), object(hot+"b", 2)),
			page(false, "", object(hot+".keep", 0)),
		},
	}}
	s := NewWithClient(f, "matrx-user-data")

	deleted, err := s.CleanupTier(context.Background(), userID, TierHot)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Equal(t, []string{hot + "a", hot + "b", hot + ".keep"}, f.deletedKeys)
}

// TestCleanupTierEmpty tests cleanup of an empty prefix
func TestCleanupTierEmpty(t *testing.T) {
	f := &fakeS3{pages: map[string][]*s3.ListObjectsV2Output{}}
	s := NewWithClient(f, "matrx-user-data")

	deleted, err := s.CleanupTier(context.Background(), userID, TierCold)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
	assert.Empty(t, f.deletedKeys)
}

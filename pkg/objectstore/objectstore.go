package objectstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/matrx/orchestrator/pkg/log"
)

// Tiers of user storage inside the bucket
const (
	TierHot  = "hot"
	TierCold = "cold"
)

// api is the slice of the S3 client the store uses; tests substitute a
// fake.
type api interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// TierStats reports usage for one storage tier
type TierStats struct {
	TotalSizeBytes int64 `json:"total_size_bytes"`
	TotalObjects   int64 `json:"total_objects"`
}

// Store manages per-user hot/cold prefixes in one S3 bucket. S3 has no
// real directories; zero-byte marker objects make the prefixes visible
// to listing tools.
type Store struct {
	client api
	bucket string
	logger zerolog.Logger
}

// New builds a store against the real S3 service
func New(ctx context.Context, bucket, region string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		logger: log.WithComponent("objectstore"),
	}, nil
}

// NewWithClient builds a store around an existing client; used by tests
func NewWithClient(client api, bucket string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		logger: log.WithComponent("objectstore"),
	}
}

func userPrefix(userID, tier string) string {
	return fmt.Sprintf("users/%s/%s/", userID, tier)
}

// EnsureUserStorage creates the hot and cold prefixes for a user if no
// object exists under them yet.
func (s *Store) EnsureUserStorage(ctx context.Context, userID string) error {
	for _, tier := range []string{TierHot, TierCold} {
		prefix := userPrefix(userID, tier)

		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(s.bucket),
			Prefix:  aws.String(prefix),
			MaxKeys: aws.Int32(1),
		})
		if err != nil {
			return fmt.Errorf("failed to ensure storage for user %s: %w", userID, err)
		}
		if resp.KeyCount != nil && *resp.KeyCount > 0 {
			continue
		}

		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(prefix + ".keep"),
			Body:   bytes.NewReader(nil),
		})
		if err != nil {
			return fmt.Errorf("failed to ensure storage for user %s: %w", userID, err)
		}
		s.logger.Info().Str("user_id", userID).Str("prefix", prefix).Msg("created storage prefix")
	}
	return nil
}

// UserStats returns per-tier usage for a user
func (s *Store) UserStats(ctx context.Context, userID string) (map[string]TierStats, error) {
	stats := make(map[string]TierStats)
	for _, tier := range []string{TierHot, TierCold} {
		prefix := userPrefix(userID, tier)
		var t TierStats

		var token *string
		for {
			resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to stat storage for user %s: %w", userID, err)
			}
			for _, obj := range resp.Contents {
				if obj.Size != nil {
					t.TotalSizeBytes += *obj.Size
				}
				t.TotalObjects++
			}
			if resp.IsTruncated == nil || !*resp.IsTruncated {
				break
			}
			token = resp.NextContinuationToken
		}
		stats[tier] = t
	}
	return stats, nil
}

// CleanupTier deletes every object under a user's tier prefix and
// returns the count deleted.
func (s *Store) CleanupTier(ctx context.Context, userID, tier string) (int, error) {
	prefix := userPrefix(userID, tier)
	deleted := 0

	var token *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to clean up storage for user %s: %w", userID, err)
		}

		if len(resp.Contents) > 0 {
			objects := make([]s3types.ObjectIdentifier, 0, len(resp.Contents))
			for _, obj := range resp.Contents {
				objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
			}
			_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &s3types.Delete{Objects: objects},
			})
			if err != nil {
				return deleted, fmt.Errorf("failed to clean up storage for user %s: %w", userID, err)
			}
			deleted += len(objects)
		}

		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		token = resp.NextContinuationToken
	}

	s.logger.Info().Str("user_id", userID).Str("tier", tier).Int("deleted", deleted).Msg("cleaned up user storage")
	return deleted, nil
}

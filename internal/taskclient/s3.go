package taskclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"snapbridge/internal/bridge"
)

// maxDeleteBatch is the most keys one DeleteObjects call accepts.
const maxDeleteBatch = 1000

// s3API is the subset of the S3 client used by S3TaskClient.
type s3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Factory connects to storage hosts that expose their spaces through an
// S3-compatible API. The endpoint's store ID names the bucket and each space
// is a key prefix inside it; without a store ID the space is the bucket.
type S3Factory struct {
	region string
}

var _ bridge.TaskClientFactory = (*S3Factory)(nil)

func NewS3Factory(region string) *S3Factory {
	if region == "" {
		region = "us-east-1"
	}
	return &S3Factory{region: region}
}

func (f *S3Factory) ForEndpoint(ctx context.Context, endpoint bridge.Endpoint, creds bridge.Credentials) (bridge.TaskClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(f.region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(creds.Username, creds.Password, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint.BaseURL())
		o.UsePathStyle = true
	})
	return newS3TaskClient(client, endpoint.StoreID), nil
}

// S3TaskClient cleans up spaces stored in S3.
type S3TaskClient struct {
	api     s3API
	storeID string
}

var _ bridge.TaskClient = (*S3TaskClient)(nil)

func newS3TaskClient(api s3API, storeID string) *S3TaskClient {
	return &S3TaskClient{api: api, storeID: storeID}
}

// location returns the bucket and key prefix holding spaceID.
func (c *S3TaskClient) location(spaceID string) (bucket, prefix string) {
	if c.storeID == "" {
		return spaceID, ""
	}
	return c.storeID, strings.TrimSuffix(spaceID, "/") + "/"
}

// CleanupSnapshot deletes every object of the space.
func (c *S3TaskClient) CleanupSnapshot(ctx context.Context, spaceID string) error {
	bucket, prefix := c.location(spaceID)

	var batch []types.ObjectIdentifier
	deleted := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("deleting objects from %s: %w", bucket, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("deleting %s from %s: %s (%d failed)",
				aws.ToString(e.Key), bucket, aws.ToString(e.Message), len(out.Errors))
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}

	p := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == maxDeleteBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	return flush()
}

// IsComplete reports whether the space holds no objects.
func (c *S3TaskClient) IsComplete(ctx context.Context, spaceID string) (bool, error) {
	bucket, prefix := c.location(spaceID)
	out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("listing %s/%s: %w", bucket, prefix, err)
	}
	return len(out.Contents) == 0, nil
}

package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/sealstore/sealstore/internal/errs"
)

// S3Config configures the S3 compatible blob backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// s3API is the subset of the SDK client the backend uses.
type s3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// s3Client stores blobs in an S3 compatible bucket, keyed by the hex SHA-256
// of the content. Re-storing identical bytes overwrites the same key, which
// keeps Put idempotent.
type s3Client struct {
	api    s3API
	bucket string
	logger *logrus.Logger
}

// NewS3Client creates an S3 backed blob client.
func NewS3Client(cfg *S3Config, logger *logrus.Logger) (Client, error) {
	if cfg.Bucket == "" {
		return nil, errs.New(errs.KindInvalidConfig, "s3 bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindInitialization, "failed to load AWS config", err)
	}

	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &s3Client{
		api:    s3.NewFromConfig(awsCfg, s3Options...),
		bucket: cfg.Bucket,
		logger: logger,
	}, nil
}

func (c *s3Client) Put(ctx context.Context, data []byte, epochs int) (*PutResult, error) {
	sum := sha256.Sum256(data)
	blobID := hex.EncodeToString(sum[:])

	head, err := c.Head(ctx, blobID)
	if err == nil && head.Exists {
		return &PutResult{BlobID: blobID, ObjectID: c.objectKey(blobID), AlreadyCertified: true}, nil
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(blobID)),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"epochs": fmt.Sprintf("%d", epochs),
		},
	}
	if _, err := c.api.PutObject(ctx, input); err != nil {
		return nil, errs.Classify(err)
	}

	c.logger.WithFields(logrus.Fields{
		"blob_id": blobID,
		"size":    len(data),
	}).Debug("Stored blob in S3")

	return &PutResult{BlobID: blobID, ObjectID: c.objectKey(blobID)}, nil
}

func (c *s3Client) Get(ctx context.Context, blobID string) ([]byte, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(blobID)),
	}
	result, err := c.api.GetObject(ctx, input)
	if err != nil {
		return nil, errs.Classify(err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "failed to read blob body", err)
	}
	return data, nil
}

func (c *s3Client) Head(ctx context.Context, blobID string) (*HeadResult, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(blobID)),
	}
	result, err := c.api.HeadObject(ctx, input)
	if err != nil {
		classified := errs.Classify(err)
		if errs.IsKind(classified, errs.KindBlobNotFound) {
			return &HeadResult{}, nil
		}
		return nil, classified
	}

	head := &HeadResult{Exists: true}
	if result.ContentLength != nil {
		head.Size = *result.ContentLength
	}
	return head, nil
}

func (c *s3Client) objectKey(blobID string) string {
	return "blobs/" + blobID
}

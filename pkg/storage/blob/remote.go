package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/provenancelab/vidproof/pkg/infrastructure/config"
)

// RemoteStore mirrors local artifacts to an S3-compatible object store.
// Every operation is best-effort: callers treat a failed upload as a
// logged condition, never as a pipeline error.
type RemoteStore struct {
	client    *s3.Client
	bucket    string
	endpoint  string
	keyPrefix string
	threshold int64
	log       zerolog.Logger
}

// NewRemoteStore builds the S3 client from static credentials and a custom
// endpoint (DigitalOcean Spaces style). Returns nil when remote storage is
// disabled; callers treat a nil store as "no CDN".
func NewRemoteStore(ctx context.Context, cfg config.RemoteConfig, log zerolog.Logger) (*RemoteStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	threshold := cfg.MultipartThreshold
	if threshold <= 0 {
		threshold = 5 << 20
	}

	return &RemoteStore{
		client:    client,
		bucket:    cfg.Bucket,
		endpoint:  strings.TrimSuffix(cfg.Endpoint, "/"),
		keyPrefix: cfg.KeyPrefix,
		threshold: threshold,
		log:       log.With().Str("component", "remote_store").Logger(),
	}, nil
}

// Key composes the object key for a job artifact.
func (r *RemoteStore) Key(jobID, kind, filename string) string {
	return fmt.Sprintf("%s/analyses/%s/%s/%s", r.keyPrefix, jobID, kind, filename)
}

// Upload pushes the local file to the bucket under key and returns its
// public URL. Objects above the multipart threshold go through a multipart
// upload; progress, when non-nil, receives the cumulative byte count after
// each part.
func (r *RemoteStore) Upload(ctx context.Context, localPath, key, mediaType string, progress func(int64)) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat file for upload: %w", err)
	}

	start := time.Now()
	if info.Size() > r.threshold {
		if err := r.uploadMultipart(ctx, f, info.Size(), key, mediaType, progress); err != nil {
			return "", err
		}
	} else {
		_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(r.bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
			ContentType:   aws.String(mediaType),
		})
		if err != nil {
			return "", fmt.Errorf("failed to put object %s: %w", key, err)
		}
		if progress != nil {
			progress(info.Size())
		}
	}

	r.log.Info().
		Str("key", key).
		Int64("size", info.Size()).
		Dur("elapsed", time.Since(start)).
		Msg("uploaded artifact to object store")

	return fmt.Sprintf("%s/%s/%s", r.endpoint, r.bucket, key), nil
}

// uploadMultipart streams the file in threshold-sized parts. The upload is
// aborted on any error so no orphaned parts accumulate.
func (r *RemoteStore) uploadMultipart(ctx context.Context, f *os.File, size int64, key, mediaType string, progress func(int64)) error {
	create, err := r.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(mediaType),
	})
	if err != nil {
		return fmt.Errorf("failed to create multipart upload for %s: %w", key, err)
	}

	var completed []types.CompletedPart
	var sent int64
	partNumber := int32(1)
	buf := make([]byte, r.threshold)

	for sent < size {
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			if n == 0 {
				break
			}
		} else if err != nil {
			r.abort(ctx, key, create.UploadId)
			return fmt.Errorf("failed to read part %d: %w", partNumber, err)
		}

		part, err := r.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(r.bucket),
			Key:           aws.String(key),
			UploadId:      create.UploadId,
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			r.abort(ctx, key, create.UploadId)
			return fmt.Errorf("failed to upload part %d of %s: %w", partNumber, key, err)
		}

		completed = append(completed, types.CompletedPart{
			ETag:       part.ETag,
			PartNumber: aws.Int32(partNumber),
		})
		sent += int64(n)
		if progress != nil {
			progress(sent)
		}
		partNumber++
	}

	_, err = r.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(r.bucket),
		Key:      aws.String(key),
		UploadId: create.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		r.abort(ctx, key, create.UploadId)
		return fmt.Errorf("failed to complete multipart upload for %s: %w", key, err)
	}
	return nil
}

func (r *RemoteStore) abort(ctx context.Context, key string, uploadID *string) {
	_, err := r.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(r.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("failed to abort multipart upload")
	}
}

package objectstore

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-faster/errors"
)

// S3Options configures the S3 backend.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	// PublicBaseURL, when set, makes objects public-read and links them under this URL.
	// Otherwise links are presigned GETs valid for LinkTTL.
	PublicBaseURL string
	LinkTTL       time.Duration
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	PutObjectAcl(ctx context.Context, in *s3.PutObjectAclInput, optFns ...func(*s3.Options)) (*s3.PutObjectAclOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores blobs in a bucket; folders are key prefixes.
type S3 struct {
	client  s3API
	presign *s3.PresignClient
	opts    S3Options
}

// NewS3 loads AWS configuration from the environment and builds the backend.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = 7 * 24 * time.Hour
	}
	return &S3{client: client, presign: s3.NewPresignClient(client), opts: opts}, nil
}

// EnsureFolderPath is a no-op beyond key building; S3 has no real folders.
func (s *S3) EnsureFolderPath(_ context.Context, segments []string) (Folder, error) {
	return Folder{ID: joinKey(segments...), Path: segments}, nil
}

func (s *S3) UploadBlob(ctx context.Context, folder Folder, filename string, data []byte, mimeType string) (File, error) {
	key := joinKey(folder.ID, filename)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return File{}, errors.Wrap(err, "put object")
	}
	return File{ID: key, Name: filename, Folder: folder}, nil
}

func (s *S3) MakePubliclyReadable(ctx context.Context, file File) (string, error) {
	if s.opts.PublicBaseURL != "" {
		_, err := s.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
			Bucket: aws.String(s.opts.Bucket),
			Key:    aws.String(file.ID),
			ACL:    types.ObjectCannedACLPublicRead,
		})
		if err != nil {
			return "", errors.Wrap(err, "put object acl")
		}
		return strings.TrimRight(s.opts.PublicBaseURL, "/") + "/" + file.ID, nil
	}
	if s.presign == nil {
		return "", errors.New("presign client not configured")
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(file.ID),
	}, s3.WithPresignExpires(s.opts.LinkTTL))
	if err != nil {
		return "", errors.Wrap(err, "presign get object")
	}
	return req.URL, nil
}

func (s *S3) Remove(ctx context.Context, fileID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(fileID),
	})
	if err != nil {
		return errors.Wrap(err, "delete object")
	}
	return nil
}

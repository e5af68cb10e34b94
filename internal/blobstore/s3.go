// Package blobstore 基于 S3 的对象存储：上传的收件人文件和附件。
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaignmailer/pkg/config"
)

// ErrNotFound 对象不存在
var ErrNotFound = errors.New("blob not found")

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// S3Store put/get/delete by key
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// LoadAWSConfig 加载 AWS 配置；配置了静态密钥时优先使用
func LoadAWSConfig(ctx context.Context, region, accessKeyID, secretAccessKey string) (aws.Config, error) {
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// NewS3Store 创建 S3 存储；Endpoint 非空时使用 path-style（MinIO / LocalStack）
func NewS3Store(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	awsCfg, err := LoadAWSConfig(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logger.Info("S3 blob store initialized",
		zap.String("bucket", cfg.Bucket),
		zap.String("region", awsCfg.Region),
		zap.String("endpoint", cfg.Endpoint),
	)

	return &S3Store{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// WithPrefix 返回写入到指定前缀下的副本，例如 "attachments/"
func (s *S3Store) WithPrefix(prefix string) *S3Store {
	cp := *s
	cp.prefix = prefix
	return &cp
}

// Put 上传内容，返回对象 key
func (s *S3Store) Put(ctx context.Context, data []byte, name, mimeType string) (string, error) {
	key := s.prefix + uuid.NewString() + "-" + sanitizeName(name)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return key, nil
}

// Open 以流的方式读取对象，调用方负责关闭
func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return out.Body, nil
}

// Get 读取对象全部内容
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	body, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// Delete 删除对象；对象不存在不视为错误
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

func sanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	base = unsafeChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "file"
	}
	return base
}

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"medilink-signal/internal/coordinator"
)

type S3Config struct {
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Endpoint  string
	Prefix    string
}

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive writes finished call summaries to S3 as JSON objects.
type Archive struct {
	cfg S3Config
	s3  putObjectAPI
	log *zap.Logger
}

func NewArchive(ctx context.Context, cfg S3Config, log *zap.Logger) (*Archive, error) {
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 region and bucket are required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newArchive(cfg, client, log), nil
}

func newArchive(cfg S3Config, api putObjectAPI, log *zap.Logger) *Archive {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "calls"
	}
	return &Archive{cfg: cfg, s3: api, log: log}
}

// Key is the object key a summary is stored under, partitioned by day.
func (a *Archive) Key(s coordinator.Summary) string {
	day := s.EndedAt.UTC().Format("2006/01/02")
	return path.Join(a.cfg.Prefix, day, s.CallID+"-"+s.UserID+".json")
}

func (a *Archive) ArchiveCall(ctx context.Context, s coordinator.Summary) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode call summary: %w", err)
	}
	key := a.Key(s)
	_, err = a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	a.log.Debug("call summary archived", zap.String("key", key))
	return nil
}

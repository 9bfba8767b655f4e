package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

const maxRefLength = 2048

var ErrInvalidRef = errors.New("invalid asset reference")

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
	PresignTTL    time.Duration
}

// PresignedUpload tells a client where to PUT an asset and how it will be addressed afterwards.
type PresignedUpload struct {
	UploadURL string    `json:"upload_url"`
	Method    string    `json:"method"`
	PublicURL string    `json:"public_url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Uploader struct {
	cfg     Config
	client  *s3.Client
	presign *s3.PresignClient
}

func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "uploads"
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	client := s3.New(options)

	return &Uploader{
		cfg:     cfg,
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

// Upload stores data server side and returns its public URL.
func (u *Uploader) Upload(ctx context.Context, ownerID int64, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("no data to upload")
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}

	key := u.generateKey(ownerID, contentType, time.Now().UTC())
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return u.PublicURL(key), nil
}

// PresignUpload issues a time-limited PUT URL for a new object owned by ownerID.
func (u *Uploader) PresignUpload(ctx context.Context, ownerID int64, contentType string) (*PresignedUpload, error) {
	if extensionFromContentType(contentType) == ".bin" {
		return nil, fmt.Errorf("%w: unsupported content type %q", ErrInvalidRef, contentType)
	}
	now := time.Now().UTC()
	key := u.generateKey(ownerID, contentType, now)
	req, err := u.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(u.cfg.PresignTTL))
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}
	return &PresignedUpload{
		UploadURL: req.URL,
		Method:    req.Method,
		PublicURL: u.PublicURL(key),
		Key:       key,
		ExpiresAt: now.Add(u.cfg.PresignTTL),
	}, nil
}

func (u *Uploader) PublicURL(key string) string {
	return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + strings.TrimLeft(key, "/")
}

func (u *Uploader) generateKey(ownerID int64, contentType string, now time.Time) string {
	ext := extensionFromContentType(contentType)
	prefix := strings.Trim(u.cfg.Prefix, "/")
	return path.Join(prefix, fmt.Sprintf("%d", ownerID), fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), uuid.NewString()+ext)
}

// ValidateRef checks that ref is an absolute http(s) URL of sane length.
// Asset references are otherwise opaque.
func ValidateRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRef)
	}
	if len(ref) > maxRefLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidRef, maxRefLength)
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidRef)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidRef)
	}
	return nil
}

func extensionFromContentType(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const maxDocumentBytes int64 = 25 * 1024 * 1024

var (
	ErrObjectNotFound = errors.New("storage: object not found")
	ErrNotConfigured  = errors.New("storage: document storage not configured")
	ErrInvalidFile    = errors.New("storage: unsupported or oversized document")
)

// DocumentStorage keeps uploaded documents in MinIO/S3.
type DocumentStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewDocumentStorageFromEnv initialises DocumentStorage using MINIO_* environment
// variables. It returns nil without error when storage is not configured.
func NewDocumentStorageFromEnv() (*DocumentStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
	if publicURL == "" {
		scheme := "http"
		if useSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	return &DocumentStorage{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Upload stores the file as documents/<owner>/<uuid>.<ext> and returns the
// object URL used as the document's storage reference.
func (s *DocumentStorage) Upload(ctx context.Context, fileHeader *multipart.FileHeader, owner string) (string, error) {
	if s == nil || s.client == nil {
		return "", ErrNotConfigured
	}
	if fileHeader == nil {
		return "", fmt.Errorf("%w: document file not provided", ErrInvalidFile)
	}
	if fileHeader.Size > maxDocumentBytes {
		return "", fmt.Errorf("%w: document size exceeds %d bytes", ErrInvalidFile, maxDocumentBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", fmt.Errorf("open document: %w", err)
	}
	defer src.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(src, maxDocumentBytes+1))
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	if written > maxDocumentBytes {
		return "", fmt.Errorf("%w: document size exceeds %d bytes", ErrInvalidFile, maxDocumentBytes)
	}

	data := buffer.Bytes()
	contentType := http.DetectContentType(data)
	ext, ok := documentExtension(contentType)
	if !ok {
		return "", fmt.Errorf("%w: content type %q", ErrInvalidFile, contentType)
	}

	objectName := path.Join("documents", sanitizeSegment(owner), uuid.NewString()+ext)

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err = s.client.PutObject(uploadCtx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload document: %w", err)
	}
	return s.buildPublicURL(objectName), nil
}

// Fetch returns the bytes stored under ref. A missing object yields
// ErrObjectNotFound.
func (s *DocumentStorage) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, ErrNotConfigured
	}
	objectName, ok := s.objectNameFromURL(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, ref)
	}

	object, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(objectName, err)
	}
	defer object.Close()

	data, err := io.ReadAll(io.LimitReader(object, maxDocumentBytes+1))
	if err != nil {
		return nil, translateError(objectName, err)
	}
	return data, nil
}

// Remove deletes the object pointed to by the provided URL/object path.
func (s *DocumentStorage) Remove(ctx context.Context, ref string) error {
	if s == nil || s.client == nil {
		return nil
	}
	objectName, ok := s.objectNameFromURL(ref)
	if !ok {
		return nil
	}

	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.client.RemoveObject(removeCtx, s.bucket, objectName, minio.RemoveObjectOptions{})
}

// PresignedURL returns a temporary download URL for ref.
func (s *DocumentStorage) PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return strings.TrimSpace(ref), nil
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	objectName, ok := s.objectNameFromURL(ref)
	if !ok {
		return strings.TrimSpace(ref), nil
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	params := url.Values{}
	params.Set("response-content-disposition", "inline")
	signed, err := s.client.PresignedGetObject(presignCtx, s.bucket, objectName, expiry, params)
	if err != nil {
		return "", err
	}
	return signed.String(), nil
}

func (s *DocumentStorage) buildPublicURL(objectName string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(s.publicURL, "/"), s.bucket, strings.TrimPrefix(objectName, "/"))
}

func (s *DocumentStorage) objectNameFromURL(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	var candidate string
	switch {
	case s.publicURL != "" && strings.HasPrefix(trimmed, s.publicURL):
		candidate = strings.TrimPrefix(trimmed, s.publicURL)
	case strings.Contains(trimmed, "://"):
		target, err := url.Parse(trimmed)
		if err != nil {
			return "", false
		}
		base, err := url.Parse(s.publicURL)
		if err != nil || base.Host == "" || base.Host != target.Host {
			return "", false
		}
		candidate = target.Path
	default:
		candidate = trimmed
	}

	candidate = strings.TrimPrefix(candidate, "/")
	candidate = strings.TrimPrefix(candidate, s.bucket+"/")
	candidate = strings.TrimPrefix(candidate, "/")
	return candidate, candidate != ""
}

func translateError(objectName string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, objectName)
	}
	return fmt.Errorf("fetch document %s: %w", objectName, err)
}

func documentExtension(contentType string) (string, bool) {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch mediaType {
	case "application/pdf":
		return ".pdf", true
	case "text/plain":
		return ".txt", true
	default:
		return "", false
	}
}

func sanitizeSegment(value string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		case r == '@':
			return '_'
		default:
			return -1
		}
	}, value)
	if cleaned == "" {
		return "anonymous"
	}
	return cleaned
}

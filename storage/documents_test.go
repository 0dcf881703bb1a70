package storage

import (
	"context"
	"errors"
	"mime/multipart"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentExtension(t *testing.T) {
	tests := []struct {
		contentType string
		ext         string
		ok          bool
	}{
		{"application/pdf", ".pdf", true},
		{"text/plain; charset=utf-8", ".txt", true},
		{" TEXT/PLAIN ", ".txt", true},
		{"image/png", "", false},
		{"application/zip", "", false},
	}
	for _, tt := range tests {
		ext, ok := documentExtension(tt.contentType)
		assert.Equal(t, tt.ext, ext, tt.contentType)
		assert.Equal(t, tt.ok, ok, tt.contentType)
	}
}

func TestSanitizeSegment(t *testing.T) {
	assert.Equal(t, "alice_x.com", sanitizeSegment("alice@x.com"))
	assert.Equal(t, "a-b_c..", sanitizeSegment("a-b_c/.."))
	assert.Equal(t, "anonymous", sanitizeSegment("/// "))
}

func TestObjectNameFromURL(t *testing.T) {
	s := &DocumentStorage{bucket: "docs", publicURL: "https://files.example.com"}
	tests := []struct {
		ref  string
		want string
		ok   bool
	}{
		{"https://files.example.com/docs/documents/alice/1.pdf", "documents/alice/1.pdf", true},
		{"https://other.example.com/docs/documents/a.txt", "", false},
		{"documents/alice/2.txt", "documents/alice/2.txt", true},
		{"/docs/documents/alice/3.txt", "documents/alice/3.txt", true},
		{"  ", "", false},
	}
	for _, tt := range tests {
		got, ok := s.objectNameFromURL(tt.ref)
		assert.Equal(t, tt.want, got, tt.ref)
		assert.Equal(t, tt.ok, ok, tt.ref)
	}
}

func TestDocumentStorage_NotConfigured(t *testing.T) {
	ctx := context.Background()
	var s *DocumentStorage

	_, err := s.Upload(ctx, &multipart.FileHeader{Filename: "a.txt"}, "alice@x.com")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.Fetch(ctx, "documents/a.txt")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, s.Remove(ctx, "documents/a.txt"))

	url, err := s.PresignedURL(ctx, " documents/a.txt ", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "documents/a.txt", url)
}

func TestTranslateError(t *testing.T) {
	missing := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	assert.ErrorIs(t, translateError("documents/a.txt", missing), ErrObjectNotFound)

	other := translateError("documents/a.txt", errors.New("connection reset"))
	assert.NotErrorIs(t, other, ErrObjectNotFound)
	assert.Contains(t, other.Error(), "connection reset")
}

func TestNewDocumentStorageFromEnv_Unset(t *testing.T) {
	t.Setenv("MINIO_ENDPOINT", "")
	s, err := NewDocumentStorageFromEnv()
	require.NoError(t, err)
	assert.Nil(t, s)
}

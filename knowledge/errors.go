package knowledge

import "errors"

var (
	// ErrNotFound means the document or its stored bytes do not exist. Not retryable.
	ErrNotFound = errors.New("knowledge: document not found")
	// ErrEmbeddingUnavailable wraps every upstream embedding failure. Retryable.
	ErrEmbeddingUnavailable = errors.New("knowledge: embedding service unavailable")
	ErrValidation           = errors.New("knowledge: invalid input")
	ErrForbidden            = errors.New("knowledge: operation not permitted")
	// ErrNotIndexed rejects grants on a document that has no owner tuple yet.
	ErrNotIndexed = errors.New("knowledge: document is not indexed yet")
)

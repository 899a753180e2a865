// Package blobstore stores rendered chart documents. It defines the Store
// interface, an in-memory implementation for tests and development, a
// Postgres implementation, and an Echo download handler.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// MaxFileSize is the maximum allowed document size in bytes (20 MB).
const MaxFileSize = 20 * 1024 * 1024

// AllowedContentTypes lists the document formats a renderer may produce.
var AllowedContentTypes = map[string]bool{
	"application/pdf":           true,
	"text/plain; charset=utf-8": true,
	"text/html; charset=utf-8":  true,
}

// Metadata describes a stored document.
type Metadata struct {
	ID          string    `json:"id"`
	RecordID    string    `json:"record_id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
}

// Store is the contract for document storage backends.
type Store interface {
	Upload(ctx context.Context, meta Metadata, content io.Reader) (*Metadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *Metadata, error)
	GetMetadata(ctx context.Context, id string) (*Metadata, error)
	// Delete removes a document. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
}

// prepare validates meta and reads content, filling in id, size, hash and
// creation time.
func prepare(meta Metadata, content io.Reader) (Metadata, []byte, error) {
	if meta.FileName == "" {
		return meta, nil, ErrMissingFileName
	}
	if !AllowedContentTypes[meta.ContentType] {
		return meta, nil, fmt.Errorf("%w: %s", ErrInvalidContentType, meta.ContentType)
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return meta, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return meta, nil, ErrFileTooLarge
	}

	h := sha256.Sum256(data)
	meta.ID = uuid.New().String()
	meta.Size = int64(len(data))
	meta.Hash = hex.EncodeToString(h[:])
	meta.CreatedAt = time.Now().UTC()
	return meta, data, nil
}

type storedBlob struct {
	metadata Metadata
	content  []byte
}

// InMemoryStore is a thread-safe, in-memory Store for testing/dev.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string]*storedBlob)}
}

func (s *InMemoryStore) Upload(_ context.Context, meta Metadata, content io.Reader) (*Metadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryStore) Download(_ context.Context, id string) (io.ReadCloser, *Metadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryStore) GetMetadata(_ context.Context, id string) (*Metadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return &meta, nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.blobs, id)
	s.mu.Unlock()
	return nil
}

// Handler serves stored documents over HTTP.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts document routes on the supplied Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/documents/:id", h.handleDownload)
	g.GET("/documents/:id/metadata", h.handleGetMetadata)
}

func (h *Handler) handleDownload(c echo.Context) error {
	rc, meta, err := h.store.Download(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"code": "not_found", "message": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"code": "internal", "message": err.Error()})
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, meta.FileName))
	c.Response().Header().Set("ETag", `"`+meta.Hash+`"`)
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *Handler) handleGetMetadata(c echo.Context) error {
	meta, err := h.store.GetMetadata(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"code": "not_found", "message": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"code": "internal", "message": err.Error()})
	}
	return c.JSON(http.StatusOK, meta)
}

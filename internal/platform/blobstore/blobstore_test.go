package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

const textPlain = "text/plain; charset=utf-8"

func seedBlob(t *testing.T, store Store, recordID, fileName, content string) *Metadata {
	t.Helper()
	meta := Metadata{
		RecordID:    recordID,
		FileName:    fileName,
		ContentType: textPlain,
		CreatedBy:   "test-user",
	}
	result, err := store.Upload(context.Background(), meta, strings.NewReader(content))
	if err != nil {
		t.Fatalf("seedBlob: %v", err)
	}
	return result
}

func TestInMemoryStore_Upload(t *testing.T) {
	store := NewInMemoryStore()

	result := seedBlob(t, store, "rec-1", "chart.txt", "hello world")

	if result.ID == "" {
		t.Error("expected non-empty ID")
	}
	if result.Size != int64(len("hello world")) {
		t.Errorf("expected size %d, got %d", len("hello world"), result.Size)
	}
	if result.RecordID != "rec-1" {
		t.Errorf("expected record_id rec-1, got %s", result.RecordID)
	}
	if result.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestInMemoryStore_Download(t *testing.T) {
	store := NewInMemoryStore()
	uploaded := seedBlob(t, store, "rec-1", "chart.txt", "signed note")

	rc, meta, err := store.Download(context.Background(), uploaded.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	data, _ := io.ReadAll(rc)
	if string(data) != "signed note" {
		t.Errorf("expected content 'signed note', got %q", data)
	}
	if meta.FileName != "chart.txt" {
		t.Errorf("expected file name chart.txt, got %s", meta.FileName)
	}
}

func TestInMemoryStore_NotFound(t *testing.T) {
	store := NewInMemoryStore()

	if _, _, err := store.Download(context.Background(), "missing"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("Download: expected ErrBlobNotFound, got %v", err)
	}
	if _, err := store.GetMetadata(context.Background(), "missing"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("GetMetadata: expected ErrBlobNotFound, got %v", err)
	}
}

func TestInMemoryStore_Delete(t *testing.T) {
	store := NewInMemoryStore()
	meta := seedBlob(t, store, "rec-1", "chart.txt", "closed note")

	if err := store.Delete(context.Background(), meta.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.GetMetadata(context.Background(), meta.ID); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound after delete, got %v", err)
	}
	if err := store.Delete(context.Background(), meta.ID); err != nil {
		t.Errorf("deleting a missing blob should succeed, got %v", err)
	}
}

func TestInMemoryStore_UploadValidation(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	_, err := store.Upload(ctx, Metadata{ContentType: textPlain}, strings.NewReader("x"))
	if !errors.Is(err, ErrMissingFileName) {
		t.Errorf("expected ErrMissingFileName, got %v", err)
	}

	_, err = store.Upload(ctx, Metadata{FileName: "a.exe", ContentType: "application/x-msdownload"}, strings.NewReader("x"))
	if !errors.Is(err, ErrInvalidContentType) {
		t.Errorf("expected ErrInvalidContentType, got %v", err)
	}

	big := strings.NewReader(strings.Repeat("a", MaxFileSize+1))
	_, err = store.Upload(ctx, Metadata{FileName: "big.txt", ContentType: textPlain}, big)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestInMemoryStore_SHA256Hash(t *testing.T) {
	store := NewInMemoryStore()
	content := "compute-my-hash"

	uploaded := seedBlob(t, store, "rec-1", "hash.txt", content)

	h := sha256.Sum256([]byte(content))
	if expected := fmt.Sprintf("%x", h); uploaded.Hash != expected {
		t.Errorf("expected hash=%s, got %s", expected, uploaded.Hash)
	}
}

func TestInMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewInMemoryStore()
	var wg sync.WaitGroup
	const goroutines = 50

	ids := make([]string, goroutines)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(n int) {
			defer wg.Done()
			meta := Metadata{
				RecordID:    fmt.Sprintf("rec-%d", n),
				FileName:    fmt.Sprintf("chart-%d.txt", n),
				ContentType: textPlain,
			}
			result, err := store.Upload(context.Background(), meta, strings.NewReader(fmt.Sprintf("content-%d", n)))
			if err != nil {
				t.Errorf("upload goroutine %d: %v", n, err)
				return
			}
			ids[n] = result.ID

			rc, _, err := store.Download(context.Background(), result.ID)
			if err != nil {
				t.Errorf("download goroutine %d: %v", n, err)
				return
			}
			rc.Close()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func newTestHandler() (*InMemoryStore, *echo.Echo) {
	store := NewInMemoryStore()
	e := echo.New()
	NewHandler(store).RegisterRoutes(e.Group(""))
	return store, e
}

func TestHandler_Download(t *testing.T) {
	store, e := newTestHandler()
	uploaded := seedBlob(t, store, "rec-1", "chart.txt", "download-me")

	req := httptest.NewRequest(http.MethodGet, "/documents/"+uploaded.ID, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != textPlain {
		t.Errorf("expected Content-Type=%s, got %s", textPlain, ct)
	}
	if rec.Header().Get("ETag") != `"`+uploaded.Hash+`"` {
		t.Errorf("expected ETag to carry the content hash, got %s", rec.Header().Get("ETag"))
	}
	if rec.Body.String() != "download-me" {
		t.Errorf("expected body=download-me, got %s", rec.Body.String())
	}
}

func TestHandler_DownloadNotFound(t *testing.T) {
	_, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/documents/nope", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetMetadata(t *testing.T) {
	store, e := newTestHandler()
	uploaded := seedBlob(t, store, "rec-9", "meta.txt", "meta")

	req := httptest.NewRequest(http.MethodGet, "/documents/"+uploaded.ID+"/metadata", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got Metadata
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RecordID != "rec-9" || got.FileName != "meta.txt" {
		t.Errorf("unexpected metadata: %+v", got)
	}
}

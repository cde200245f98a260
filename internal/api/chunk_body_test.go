package api

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestChunkPayloadRawBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/audio/upload/chunk", strings.NewReader("raw chunk bytes"))
	r.Header.Set("Content-Type", "application/octet-stream")

	payload, done, err := chunkPayload(r, 1024)
	if err != nil {
		t.Fatalf("chunkPayload: %v", err)
	}
	defer done()

	got, err := io.ReadAll(payload)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if string(got) != "raw chunk bytes" {
		t.Errorf("got %q", got)
	}
}

func TestChunkPayloadMultipart(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("uploadId", "abc"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("chunk", "chunk_0")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("multipart chunk bytes")); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	r := httptest.NewRequest("POST", "/audio/upload/chunk", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())

	payload, done, err := chunkPayload(r, 1024)
	if err != nil {
		t.Fatalf("chunkPayload: %v", err)
	}
	defer done()

	got, err := io.ReadAll(payload)
	if err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if string(got) != "multipart chunk bytes" {
		t.Errorf("got %q", got)
	}
}

func TestChunkPayloadMultipartWithoutChunkPart(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("uploadId", "abc"); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	r := httptest.NewRequest("POST", "/audio/upload/chunk", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())

	if _, _, err := chunkPayload(r, 1024); err == nil {
		t.Fatal("expected an error for a multipart body with no chunk part")
	}
}

func TestBoundedReaderStopsAtCap(t *testing.T) {
	src := strings.NewReader(strings.Repeat("x", 100))
	br := newBoundedReader(src, 64)

	got, err := io.ReadAll(br)
	if err != errChunkTooLarge {
		t.Fatalf("expected errChunkTooLarge, got %v", err)
	}
	if len(got) != 64 {
		t.Errorf("expected 64 bytes before the cap, got %d", len(got))
	}
}

func TestBoundedReaderExactCap(t *testing.T) {
	src := strings.NewReader(strings.Repeat("x", 64))
	br := newBoundedReader(src, 64)

	got, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("exactly-at-cap body must not error: %v", err)
	}
	if len(got) != 64 {
		t.Errorf("got %d bytes", len(got))
	}
}

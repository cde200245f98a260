package api

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
)

// errChunkTooLarge marks a chunk body that ran past the configured
// hard cap. Callers translate it to a 400.
var errChunkTooLarge = fmt.Errorf("chunk body exceeds hard cap")

// boundedReader yields at most limit bytes and fails loudly on the
// byte after, instead of silently truncating the way LimitReader
// does. A truncated chunk would pass the write and only surface at
// finalize as a hash mismatch; failing the offending request is the
// cheaper place to catch it.
type boundedReader struct {
	src   io.Reader
	left  int64
	state error
}

func newBoundedReader(src io.Reader, limit int64) *boundedReader {
	return &boundedReader{src: src, left: limit}
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.state != nil {
		return 0, b.state
	}
	if int64(len(p)) > b.left+1 {
		p = p[:b.left+1]
	}
	n, err := b.src.Read(p)
	if int64(n) > b.left {
		b.state = errChunkTooLarge
		return int(b.left), b.state
	}
	b.left -= int64(n)
	return n, err
}

// chunkPayload locates the chunk bytes in an upload-chunk request.
// Multipart bodies yield the first part named "chunk" or "file" (the
// field names the web and mobile clients use); any other content type
// is treated as a raw body. The returned reader is capped at limit
// and the closer tears down whatever multipart state was opened.
func chunkPayload(r *http.Request, limit int64) (io.Reader, func(), error) {
	ct := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return newBoundedReader(r.Body, limit), func() {}, nil
	}

	boundary, ok := params["boundary"]
	if !ok {
		return nil, nil, fmt.Errorf("multipart body missing boundary")
	}

	mr := multipart.NewReader(r.Body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, nil, fmt.Errorf("multipart body has no chunk part")
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading multipart body: %w", err)
		}
		switch part.FormName() {
		case "chunk", "file":
			return newBoundedReader(part, limit), func() { part.Close() }, nil
		}
		part.Close()
	}
}

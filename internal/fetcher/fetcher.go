package fetcher

import "context"

// Response is the part of an HTTP response the image pipeline keeps.
type Response struct {
	StatusCode int
	// ContentType is the raw Content-Type header, empty when absent.
	ContentType string
	// ContentLength is -1 when the server did not send one.
	ContentLength int64
	Body          []byte
}

// Fetcher defines the interface for inspecting and downloading remote images.
type Fetcher interface {
	// Head issues a header-only request. Any status is returned without error.
	Head(ctx context.Context, url string) (*Response, error)

	// GetPrefix requests the first n bytes of the body with a Range header and
	// never reads more than n bytes, even when the server ignores the range.
	GetPrefix(ctx context.Context, url string, n int64) (*Response, error)

	// Download fetches the whole body into memory. It fails on a non-2xx
	// status or when the body exceeds max bytes.
	Download(ctx context.Context, url string, max int64) (*Response, error)
}

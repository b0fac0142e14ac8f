package cache

import "errors"

var (
	// ErrUnsupportedScheme is returned for URIs whose scheme has no fetcher.
	ErrUnsupportedScheme = errors.New("cache: unsupported uri scheme")

	// ErrInvalidURI is returned when a URI cannot be parsed.
	ErrInvalidURI = errors.New("cache: invalid uri")

	// ErrDownload wraps transport failures and non-200 responses.
	ErrDownload = errors.New("cache: download failed")

	// ErrClosed is returned after Close removed the cache directory.
	ErrClosed = errors.New("cache: closed")
)

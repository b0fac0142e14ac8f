// Package cache implements the content-addressed download cache.
//
// A URI maps to the SHA-256 hex digest of the URI string; the digest is the
// file name inside a process-scoped temporary directory. Once a file is at
// its final path it is never rewritten, so a second Fetch of the same URI
// returns immediately without network access.
//
// Downloads stream to a distinct ".part" file and are renamed into place
// only on success. Any failure removes the partial file. Fetch is not
// single-flight: two concurrent fetches of one URI may both download, and
// the last rename wins.
//
// Fetchers are chosen by URI scheme. HTTP(S) is built in; s3:// is added
// with NewS3Fetcher when S3 credentials are configured.
package cache

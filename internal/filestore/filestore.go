package filestore

import "io"

// FileStore stores immutable blobs addressed by content hash.
type FileStore interface {
	// Save stores the content and returns its hex-encoded sha256 hash.
	// Saving the same content twice is a no-op returning the same hash.
	Save(r io.Reader) (string, error)

	// Open returns a reader for the blob with the given hash.
	Open(hash string) (io.ReadCloser, error)
}

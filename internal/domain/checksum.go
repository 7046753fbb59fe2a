package domain

import "path/filepath"

// ChecksumInfo is one content fingerprint row. A checksum names a unique
// blob in the store; when Basis is set, the blob holds a binary delta
// against that earlier content rather than the content itself.
type ChecksumInfo struct {
	// ID is the row id; Checksum is the hex content fingerprint.
	ID       int64  `json:"id"`
	Checksum string `json:"checksum"`

	// Size is the logical (reconstructed) content size.
	Size int64 `json:"size"`

	// Basis is the checksum this content is a delta against; empty for
	// full content.
	Basis string `json:"basis,omitempty"`

	// DeltaSize is the size of the delta payload when Basis is set.
	DeltaSize int64 `json:"delta_size,omitempty"`

	// DiskSize is the on-disk blob size after compression and encryption.
	DiskSize int64 `json:"disk_size"`

	// Compressed and Encrypted describe the blob framing.
	Compressed bool `json:"compressed"`
	Encrypted  bool `json:"encrypted"`

	// IV is the per-blob initialization vector; nil when not encrypted.
	IV []byte `json:"iv,omitempty"`

	// ChainLength is the number of basis edges between this checksum and
	// its chain root: 0 iff Basis is empty, else basis chain length + 1.
	ChainLength int `json:"chain_length"`

	// IsFile distinguishes file content from auxiliary blobs such as
	// serialized xattrs and ACLs.
	IsFile bool `json:"is_file"`
}

// IsDelta reports whether the blob must be patched against a basis.
func (c *ChecksumInfo) IsDelta() bool {
	return c.Basis != ""
}

// BlobPath generates the storage path for a checksum using 2-level
// directory sharding, distributing blobs across directories to avoid
// filesystem limitations.
//
// Example:
//
//	checksum: "abcdef1234567890..."
//	basePath: "/data"
//	result:   "/data/ab/cd/abcdef1234567890..."
func BlobPath(basePath, checksum string) string {
	if len(checksum) < 4 {
		return filepath.Join(basePath, checksum)
	}
	return filepath.Join(basePath, checksum[0:2], checksum[2:4], checksum)
}

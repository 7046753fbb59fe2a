package domain

// InodeKey identifies a file on the source filesystem across one backup set.
// The root directory of a dataset is always (0, 0).
type InodeKey struct {
	Inode  int64 `json:"inode"`
	Device int64 `json:"device"`
}

// RootInode is the parent key under which top-level entries are recorded.
var RootInode = InodeKey{Inode: 0, Device: 0}

// FileVersion is one version row: a file as it existed in exactly one
// backup set. Rows are uniquely keyed by (BackupSet, Parent, NameID).
type FileVersion struct {
	// NameID references the interned Name row; Name carries the joined
	// filename bytes (ciphertext when the dataset is encrypted).
	NameID int64  `json:"name_id"`
	Name   []byte `json:"name"`

	// BackupSet is the owning set.
	BackupSet int64 `json:"backup_set"`

	// Key is the file's own inode identity; Parent is the containing
	// directory's.
	Key    InodeKey `json:"key"`
	Parent InodeKey `json:"parent"`

	// ChecksumID references the content row; nil for directories and for
	// entries with no stored content. Checksum carries the joined hex
	// fingerprint when the query asked for it.
	ChecksumID *int64 `json:"checksum_id,omitempty"`
	Checksum   string `json:"checksum,omitempty"`

	// XattrID and AclID reference optional blobs holding serialized
	// extended attributes and ACLs.
	XattrID *int64 `json:"xattr_id,omitempty"`
	AclID   *int64 `json:"acl_id,omitempty"`
	Xattrs  string `json:"xattrs,omitempty"`
	Acl     string `json:"acl,omitempty"`

	// Dir and Link classify the entry.
	Dir  bool `json:"dir"`
	Link bool `json:"link"`

	// Stat attributes captured from the source filesystem. Times are
	// seconds since the epoch.
	Size   int64  `json:"size"`
	MTime  int64  `json:"mtime"`
	CTime  int64  `json:"ctime"`
	ATime  int64  `json:"atime"`
	Mode   uint32 `json:"mode"`
	UID    int    `json:"uid"`
	GID    int    `json:"gid"`
	NLinks int    `json:"nlinks"`

	// ChainLength is the delta-chain depth of the referenced checksum;
	// 0 for full content.
	ChainLength int `json:"chain_length"`
}

// HasContent reports whether the row references a stored blob.
func (f *FileVersion) HasContent() bool {
	return f.ChecksumID != nil
}

// FileAttributes is the submission form of a FileVersion: everything the
// client scanner knows before any content has been assigned.
type FileAttributes struct {
	Name   []byte   `json:"name"`
	Key    InodeKey `json:"key"`
	Dir    bool     `json:"dir"`
	Link   bool     `json:"link"`
	Size   int64    `json:"size"`
	MTime  int64    `json:"mtime"`
	CTime  int64    `json:"ctime"`
	ATime  int64    `json:"atime"`
	Mode   uint32   `json:"mode"`
	UID    int      `json:"uid"`
	GID    int      `json:"gid"`
	NLinks int      `json:"nlinks"`
}

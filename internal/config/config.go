// Package config holds the filesystem parameters blob and the mount/backend
// configuration tree, following the teacher's yaml-tagged nested-struct
// idiom.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// CurrentFSRev is the metadata format revision this build writes and the
// minimum revision it accepts on mount.
const CurrentFSRev = 1

// FSParams is the filesystem parameters blob: stored locally as `.params`
// and embedded in every uploaded `s3ql_metadata` snapshot's object
// metadata map.
type FSParams struct {
	Label          string `yaml:"label"`
	Revision       int    `yaml:"revision"`
	SeqNo          int64  `yaml:"seq_no"`
	BlockSize      int64  `yaml:"blocksize"`
	NeedsFsck      bool   `yaml:"needs_fsck"`
	LastFsck       int64  `yaml:"last_fsck"`        // UTC epoch seconds
	LastModified   int64  `yaml:"last_modified"`     // UTC epoch seconds
	BucketRevision int    `yaml:"bucket_revision"`
}

// Load reads a `.params` file.
func LoadParams(path string) (*FSParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p FSParams
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing params file %s: %w", path, err)
	}
	return &p, nil
}

// Save persists a `.params` file atomically (write to a temp file in the
// same directory, then rename — the same write-then-rename discipline used
// by the local backend driver, see internal/backend/local).
func (p *FSParams) Save(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshalling params: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing params temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming params file into place: %w", err)
	}
	return nil
}

// ToMetadata serializes the params blob into the plain string-keyed map
// object backends attach to the `s3ql_metadata` object.
func (p *FSParams) ToMetadata() map[string]string {
	return map[string]string{
		"label":           p.Label,
		"revision":        fmt.Sprintf("%d", p.Revision),
		"seq_no":          fmt.Sprintf("%d", p.SeqNo),
		"blocksize":       fmt.Sprintf("%d", p.BlockSize),
		"needs_fsck":      fmt.Sprintf("%t", p.NeedsFsck),
		"last_fsck":       fmt.Sprintf("%d", p.LastFsck),
		"last_modified":   fmt.Sprintf("%d", p.LastModified),
		"bucket_revision": fmt.Sprintf("%d", p.BucketRevision),
	}
}

// MountOptions are the mount-time settings a user supplies via the CLI,
// including the `--nfs`/`--threads`/`--compress`/etc options supplemented
// from original_source/src/s3ql/cli/mount.py:parse_args.
type MountOptions struct {
	MountPoint             string
	StorageURL             string
	CacheDir               string
	CacheSizeBytes         int64
	MaxCacheEntries         int
	AllowOther             bool
	AllowRoot              bool
	ReadOnly               bool
	Foreground             bool
	Single                 bool
	Compress               string // none|zlib|lzma (bzip2 is decode-only, see DESIGN.md)
	MetadataUploadInterval int64  // seconds; 0 disables periodic upload
	Threads                int    // 0 = auto-detect, see internal/lifecycle.DetermineThreads
	NFS                    bool   // lifts RANDOMIZE_INODES to a per-fs option
}

// BackendConfig configures which backend driver to construct and its
// connection parameters (local directory vs. S3).
type BackendConfig struct {
	Kind string `yaml:"kind"` // "local" or "s3"

	// Local backend.
	LocalPath string `yaml:"local_path,omitempty"`

	// S3 backend.
	Bucket         string `yaml:"bucket,omitempty"`
	Region         string `yaml:"region,omitempty"`
	Endpoint       string `yaml:"endpoint,omitempty"`
	ForcePathStyle bool   `yaml:"force_path_style,omitempty"`
	PoolSize       int    `yaml:"pool_size,omitempty"`
	UseCargoShip   bool   `yaml:"use_cargoship,omitempty"`

	// Crypto/compress wrapper.
	Passphrase string `yaml:"-"` // never serialized; supplied at mount time
}

package main

import (
	"fmt"
	"strings"

	"github.com/s3ql-go/s3ql/internal/config"
)

// parseStorageURL turns a storage-url argument (the positional argument
// every subcommand in original_source/src/s3ql/cli takes first) into a
// BackendConfig. Supported schemes are "local://<path>" and
// "s3://<bucket>", mirroring the two backend drivers this rewrite ships;
// the original's much larger scheme zoo (swift, swiftks, gs, rackspace...)
// has no driver here, see DESIGN.md.
func parseStorageURL(url string) (*config.BackendConfig, error) {
	switch {
	case strings.HasPrefix(url, "local://"):
		path := strings.TrimPrefix(url, "local://")
		if path == "" {
			return nil, fmt.Errorf("local:// storage url requires a path")
		}
		return &config.BackendConfig{Kind: "local", LocalPath: path}, nil

	case strings.HasPrefix(url, "s3://"):
		bucket := strings.TrimPrefix(url, "s3://")
		if bucket == "" {
			return nil, fmt.Errorf("s3:// storage url requires a bucket name")
		}
		// s3://bucket/region lets the region travel with the storage url
		// instead of a separate flag, for scripts that invoke mkfs/mount/
		// fsck/umount against the same filesystem from different hosts.
		if idx := strings.IndexByte(bucket, '/'); idx >= 0 {
			region := bucket[idx+1:]
			bucket = bucket[:idx]
			return &config.BackendConfig{Kind: "s3", Bucket: bucket, Region: region}, nil
		}
		return &config.BackendConfig{Kind: "s3", Bucket: bucket}, nil

	default:
		return nil, fmt.Errorf("unrecognized storage url %q, expected local://<path> or s3://<bucket>", url)
	}
}

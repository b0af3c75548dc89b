package lifecycle

import (
	"context"
	"strconv"
	"strings"

	"github.com/s3ql-go/s3ql/internal/backend"
	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

// GetSeqNo returns the highest sequence number currently marked on the
// backend, mirroring get_seq_no's scan of every `s3ql_seq_no_*` key.
func GetSeqNo(ctx context.Context, be backend.Backend) (int64, error) {
	var max int64
	err := be.List(ctx, backend.SeqNoPrefix, func(key string) error {
		n, err := strconv.ParseInt(strings.TrimPrefix(key, backend.SeqNoPrefix), 10, 64)
		if err != nil {
			return nil
		}
		if n > max {
			max = n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return max, nil
}

// WriteSeqNoMarker creates the marker object for seqNo, claiming it.
func WriteSeqNoMarker(ctx context.Context, be backend.Backend, seqNo int64) error {
	w, err := be.OpenWrite(ctx, seqNoKey(seqNo), nil)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("Empty")); err != nil {
		w.Close()
		return s3qlerrors.Wrap(s3qlerrors.KindTransient, component, "WriteSeqNoMarker", err)
	}
	return w.Close()
}

// DeleteSeqNoMarker removes seqNo's marker, e.g. when an unmount decides
// the filesystem was unchanged and backs its sequence number off by one.
func DeleteSeqNoMarker(ctx context.Context, be backend.Backend, seqNo int64) error {
	return be.Delete(ctx, seqNoKey(seqNo), true)
}

func seqNoKey(seqNo int64) string {
	return backend.SeqNoPrefix + strconv.FormatInt(seqNo, 10)
}

// CycleMetadata rotates the two metadata backup generations before a new
// snapshot is written to backend.KeyMetadata: bak_1 becomes bak_2, the
// current live snapshot becomes bak_1. Missing generations (a fresh
// filesystem's first upload) are silently skipped.
func CycleMetadata(ctx context.Context, be backend.Backend) error {
	if ok, err := be.Contains(ctx, backend.KeyMetadataBak1); err != nil {
		return err
	} else if ok {
		if err := be.Rename(ctx, backend.KeyMetadataBak1, backend.KeyMetadataBak2); err != nil {
			return err
		}
	}
	if ok, err := be.Contains(ctx, backend.KeyMetadata); err != nil {
		return err
	} else if ok {
		if err := be.Copy(ctx, backend.KeyMetadata, backend.KeyMetadataBak1); err != nil {
			return err
		}
	}
	return nil
}

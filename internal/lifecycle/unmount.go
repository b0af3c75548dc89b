package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/s3ql-go/s3ql/internal/backend"
	"github.com/s3ql-go/s3ql/internal/config"
	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

// backupGenerations is the number of rotated local backups kept when an
// unmount detects a concurrent mount raced it, mirroring mount.py's
// `name.0` .. `name.3` rotation.
const backupGenerations = 4

// Unmount flushes the block and inode caches, then runs the three-way
// decision mount.py's main() makes at the end of a clean unmount:
//
//   - the db was never touched since the metadata was last uploaded:
//     don't upload anything, release the seq_no this mount claimed, and
//     decrement the stored seq_no back to what it replaced;
//   - the backend's seq_no still matches what this mount claimed: cycle
//     the backup generations and upload a fresh metadata snapshot;
//   - the backend's seq_no has moved past what this mount claimed
//     (another mount committed metadata while this one was running,
//     which should never happen under correct locking but is handled
//     defensively): don't touch the backend at all, instead rotate the
//     local `.params`/db pair into numbered backups so no data is lost.
func Unmount(ctx context.Context, be backend.Backend, m *Mount, params *config.FSParams, cacheDir string, dirty bool, log *slog.Logger) error {
	log = orDefaultLogger(log)

	if err := m.FS.Destroy(ctx); err != nil {
		return err
	}

	remoteSeqNo, err := GetSeqNo(ctx, be)
	if err != nil {
		return err
	}

	paramsPath := filepath.Join(cacheDir, ".params")
	dbPath := filepath.Join(cacheDir, "s3ql.db")

	switch {
	case !dirty:
		log.Info("filesystem unchanged, skipping metadata upload", "component", component, "seq_no", params.SeqNo)
		if err := DeleteSeqNoMarker(ctx, be, params.SeqNo); err != nil {
			return err
		}
		params.SeqNo--
		params.NeedsFsck = false
		return params.Save(paramsPath)

	case remoteSeqNo == params.SeqNo:
		log.Info("uploading metadata", "component", component, "seq_no", params.SeqNo)
		if err := CycleMetadata(ctx, be); err != nil {
			return err
		}
		params.LastModified = now()
		params.NeedsFsck = false
		if err := uploadMetadata(ctx, be, m.DB, params); err != nil {
			return err
		}
		return params.Save(paramsPath)

	default:
		log.Warn("backend seq_no has advanced past this mount's, assuming a concurrent mount raced this one; "+
			"backing up local metadata instead of overwriting the backend",
			"component", component, "local_seq_no", params.SeqNo, "remote_seq_no", remoteSeqNo)
		if err := rotateBackup(paramsPath); err != nil {
			return err
		}
		if err := rotateBackup(dbPath); err != nil {
			return err
		}
		return s3qlerrors.New(s3qlerrors.KindConcurrentMountSuspicion, component, "Unmount",
			fmt.Sprintf("concurrent mount detected, local metadata was preserved under %s.0..%d but not uploaded",
				paramsPath, backupGenerations-1))
	}
}

// rotateBackup renames path.2 -> path.3, path.1 -> path.2, path.0 ->
// path.1, path -> path.0, discarding whatever already occupied the
// oldest generation slot.
func rotateBackup(path string) error {
	oldest := fmt.Sprintf("%s.%d", path, backupGenerations-1)
	os.Remove(oldest)
	for gen := backupGenerations - 2; gen >= 0; gen-- {
		src := fmt.Sprintf("%s.%d", path, gen)
		dst := fmt.Sprintf("%s.%d", path, gen+1)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "rotateBackup", err)
			}
		}
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".0"); err != nil {
			return s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "rotateBackup", err)
		}
	}
	return nil
}

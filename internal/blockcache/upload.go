package blockcache

import (
	"context"
	"errors"
	"os"
	"time"

	s3qlerrors "github.com/s3ql-go/s3ql/pkg/errors"
)

// uploadEntry runs one block's commit pipeline: hash the current on-disk
// content, dedup against the objects table (bumping refcount on a hit,
// inserting+uploading on a miss), point the block's extents row at the
// resulting object, and drop the previous object's refcount if the block
// pointed elsewhere before. Mirrors block_cache.upload's content-defined
// dedup contract.
func (c *Cache) uploadEntry(ctx context.Context, e *entry) error {
	c.mu.Lock()
	if !e.dirty || e.uploading {
		c.mu.Unlock()
		return nil
	}
	e.uploading = true
	path := e.path
	key := e.key
	c.mu.Unlock()

	start := time.Now()
	data, err := os.ReadFile(path)
	if err != nil {
		c.finishUpload(e)
		return s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "uploadEntry", err)
	}

	objID, isNew, err := c.dedupObject(ctx, data)
	if err != nil {
		c.finishUpload(e)
		return err
	}

	if isNew {
		// Transient backend errors (a flaky connection, a throttled PUT)
		// are retried with bounded exponential backoff; once retries are
		// exhausted the entry is poisoned as a permanent failure rather
		// than retried indefinitely.
		err := c.retryer.Do(ctx, func() error {
			return c.uploadObject(ctx, objID, data)
		})
		if err != nil {
			c.finishUpload(e)
			return demoteExhausted(err)
		}
	}

	if err := c.retargetExtent(key, objID); err != nil {
		c.finishUpload(e)
		return err
	}

	if c.metrics != nil {
		c.metrics.RecordUpload(time.Since(start))
	}

	c.finishUpload(e)
	return nil
}

// dedupObject looks up an existing objects row by content hash, bumping
// its refcount, or inserts a new row (refcount 1) if no such object
// exists yet. Returns the object id and whether it was newly created.
func (c *Cache) dedupObject(ctx context.Context, data []byte) (int64, bool, error) {
	sum := checksumHex(data)

	var id, refcount int64
	err := c.db.GetRow([]interface{}{&id, &refcount}, "SELECT id, refcount FROM objects WHERE hash=?", sum)
	if err == nil {
		if err := c.db.Execute("UPDATE objects SET refcount = refcount + 1 WHERE id=?", id); err != nil {
			return 0, false, err
		}
		return id, false, nil
	}

	var se *s3qlerrors.S3QLError
	if !errors.As(err, &se) || se.Kind != s3qlerrors.KindNoSuchObject {
		return 0, false, err
	}

	id, err = c.db.RowID("INSERT INTO objects (hash, refcount, size, compr_size) VALUES (?,1,?,0)",
		sum, len(data))
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// demoteExhausted turns a KindTransient error surviving every retry attempt
// into a KindPermanent one, matching the "after N attempts demoted to
// permanent" contract: the caller poisons the entry rather than retrying it
// again on the next commit pass.
func demoteExhausted(err error) error {
	var se *s3qlerrors.S3QLError
	if errors.As(err, &se) && se.Kind == s3qlerrors.KindTransient {
		return s3qlerrors.Wrap(s3qlerrors.KindPermanent, component, "uploadEntry", err)
	}
	return err
}

func (c *Cache) uploadObject(ctx context.Context, objID int64, data []byte) error {
	w, err := c.be.OpenWrite(ctx, objectKey(objID), map[string]string{})
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return s3qlerrors.Wrap(s3qlerrors.KindTransient, component, "uploadObject", err)
	}
	return w.Close()
}

// retargetExtent points (inode, blockno) at objID, decrementing and
// possibly garbage-collecting the object the extent previously pointed
// to (content-addressed dedup means a block overwrite never mutates an
// object in place).
func (c *Cache) retargetExtent(key blockKey, objID int64) error {
	var prevObjID int64
	err := c.db.GetRow([]interface{}{&prevObjID},
		"SELECT obj_id FROM extents WHERE inode=? AND blockno=?", key.Inode, key.Blockno)
	hadPrev := err == nil
	if err != nil {
		var se *s3qlerrors.S3QLError
		if !errors.As(err, &se) || se.Kind != s3qlerrors.KindNoSuchObject {
			return err
		}
	}

	if hadPrev {
		if err := c.db.Execute("UPDATE extents SET obj_id=? WHERE inode=? AND blockno=?",
			objID, key.Inode, key.Blockno); err != nil {
			return err
		}
	} else {
		if err := c.db.Execute("INSERT INTO extents (inode, blockno, obj_id) VALUES (?,?,?)",
			key.Inode, key.Blockno, objID); err != nil {
			return err
		}
	}

	if hadPrev && prevObjID != objID {
		return c.releaseObject(prevObjID)
	}
	return nil
}

// releaseObject decrements an object's refcount, deleting both the row
// and its backend body once it reaches zero.
func (c *Cache) releaseObject(objID int64) error {
	if err := c.db.Execute("UPDATE objects SET refcount = refcount - 1 WHERE id=?", objID); err != nil {
		return err
	}
	var refcount int64
	if err := c.db.GetRow([]interface{}{&refcount}, "SELECT refcount FROM objects WHERE id=?", objID); err != nil {
		return err
	}
	if refcount > 0 {
		return nil
	}
	if err := c.db.Execute("DELETE FROM objects WHERE id=?", objID); err != nil {
		return err
	}
	return c.be.Delete(context.Background(), objectKey(objID), true)
}

// ReleaseInode drops every extent belonging to inode, releasing (and
// garbage-collecting, once unreferenced) the objects they pointed to, then
// discards any cached blocks for inode. Called once an inode's on-disk
// refcount reaches zero and no handle still has it open.
func (c *Cache) ReleaseInode(ctx context.Context, inode int64) error {
	rows, err := c.db.GetList(2, "SELECT blockno, obj_id FROM extents WHERE inode=?", inode)
	if err != nil {
		return err
	}
	for _, row := range rows {
		objID, _ := row[1].(int64)
		if err := c.releaseObject(objID); err != nil {
			return err
		}
	}
	if err := c.db.Execute("DELETE FROM extents WHERE inode=?", inode); err != nil {
		return err
	}
	c.RemoveInode(inode)
	return nil
}

// finishUpload clears the in-flight flag and, if a write arrived while
// uploading, promotes the pending data back to dirty content so it is
// picked up on the next commit pass (the in-transit copy-on-write fork).
func (c *Cache) finishUpload(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.uploading = false
	if e.pending != nil {
		os.WriteFile(e.path, e.pending, 0o600)
		c.curBytes += int64(len(e.pending)) - e.size
		e.size = int64(len(e.pending))
		e.pending = nil
		e.dirty = true
		return
	}
	e.dirty = false
	c.spaceCond.Broadcast()
}

package blockcache

import (
	"context"
	"time"
)

// commitLoop is the background commit thread: it scans cached entries from
// least-recently-accessed upward and submits any block that is dirty, not
// already in transit, and has sat untouched for at least CommitAge. It wakes
// immediately when Wake is called and otherwise polls every IdlePoll while a
// full pass finds nothing to do, mirroring CommitThread.run in
// original_source/src/s3ql/cli/mount.py.
func (c *Cache) commitLoop() {
	defer close(c.stopped)
	ctx := context.Background()

	for {
		didWork := c.commitPass(ctx)

		if didWork {
			select {
			case <-c.stopCh:
				return
			default:
				continue
			}
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(IdlePoll):
		case <-c.wakeCh():
		}
	}
}

// commitPass walks the LRU from its back (oldest access) toward the front,
// collecting entries eligible for upload, then uploads each one outside the
// cache lock. It returns whether any entry was submitted.
func (c *Cache) commitPass(ctx context.Context) bool {
	now := time.Now()

	c.mu.Lock()
	var candidates []*entry
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*entry)
		if now.Sub(e.lastAccess) < CommitAge {
			break
		}
		if e.dirty && !e.uploading {
			candidates = append(candidates, e)
		}
	}
	c.mu.Unlock()

	did := false
	for _, e := range candidates {
		select {
		case <-c.stopCh:
			return did
		default:
		}
		if err := c.uploadEntry(ctx, e); err == nil {
			did = true
		}
	}
	return did
}

// wakeCh returns a channel that fires once when Wake is signalled, used by
// commitLoop's select so a flush request interrupts the idle poll
// immediately rather than waiting out IdlePoll.
func (c *Cache) wakeCh() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wake == nil {
		c.wake = make(chan struct{})
	}
	return c.wake
}

// Wake interrupts an idle commit thread immediately, used by FlushInode so a
// caller waiting on a flush is not stuck behind IdlePoll.
func (c *Cache) Wake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wake != nil {
		close(c.wake)
		c.wake = nil
	}
}

// dirtyKeysForInode returns the block keys belonging to inode that are
// currently dirty or mid-upload, used by FlushInode to know what to wait for.
func (c *Cache) dirtyKeysForInode(inode int64) []blockKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []blockKey
	for key, e := range c.entries {
		if key.Inode == inode && (e.dirty || e.uploading) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *Cache) isSettled(key blockKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return true
	}
	return !e.dirty && !e.uploading
}

// FlushInode blocks until every block currently dirty for inode has been
// submitted to the upload pipeline and finished (successfully or
// poisoned), mirroring the original flush(inode) contract that a caller
// waits until all dirty blocks for that inode are enqueued for upload.
// This implementation waits for full completion rather than mere
// enqueueing, since go-fuse callers (fsync, release) need the stronger
// guarantee that data is durable in the upload pipeline before returning.
func (c *Cache) FlushInode(ctx context.Context, inode int64) error {
	c.Wake()
	for {
		keys := c.dirtyKeysForInode(inode)
		if len(keys) == 0 {
			return nil
		}
		for _, key := range keys {
			if e := c.entryFor(key); e != nil {
				if err := c.uploadEntry(ctx, e); err != nil {
					return err
				}
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Cache) entryFor(key blockKey) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key]
}

// FlushAll blocks until every dirty block in the cache has been uploaded,
// used on shutdown: drain all dirty entries, join workers, then close the
// cache directory.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.Wake()
	for {
		c.mu.Lock()
		var pending []*entry
		for _, e := range c.entries {
			if e.dirty || e.uploading {
				pending = append(pending, e)
			}
		}
		c.mu.Unlock()

		if len(pending) == 0 {
			return nil
		}
		for _, e := range pending {
			if err := c.uploadEntry(ctx, e); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

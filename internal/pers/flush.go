package pers

import (
	"context"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/warrengame/warren/internal/model"
	"github.com/warrengame/warren/internal/tsid"
)

// shutdownFlushWorkers bounds concurrent writes during the final flush.
const shutdownFlushWorkers = 5

// shutdownLogBatch is how many flushed entities one progress line covers.
const shutdownLogBatch = 100

// PostRequestProc persists the effects of one finished request, in four
// ordered phases: write the added set, write the dirty set, delete the
// deleted-marked entries of both, then resolve the unload set (dependent
// graph walk, write-then-delete, drop from the live cache).
//
// A failed write or delete is logged and counted but does not stop the other
// entities; the first error is returned.
func (c *Cache) PostRequestProc(ctx context.Context, tag string, dirty, added, unload []*model.Object) error {
	if c.shutdown.Load() {
		return ErrShutdown
	}

	var first error
	keep := func(err error) {
		if err != nil {
			c.errCount.Add(1)
			if c.mtr != nil {
				c.mtr.PersErrorsTotal.Inc()
			}
			if first == nil {
				first = err
			}
		}
	}

	keep(c.writeBatch(ctx, tag, added))
	keep(c.writeBatch(ctx, tag, dirty))
	for _, o := range dirty {
		if o.Deleted() {
			keep(c.deleteOne(ctx, tag, o))
		}
	}
	for _, o := range added {
		if o.Deleted() {
			keep(c.deleteOne(ctx, tag, o))
		}
	}

	if len(unload) > 0 {
		keep(c.resolveUnload(ctx, tag, unload))
	}
	return first
}

// PostRequestRollback drops every entity the failed request added or dirtied
// from the live and proxy caches without writing anything. Local state for
// those TSIDs is untrusted afterwards; the next access reloads from storage.
func (c *Cache) PostRequestRollback(tag string, dirty, added []*model.Object) {
	n := 0
	for _, set := range [][]*model.Object{dirty, added} {
		for _, o := range set {
			c.live.Delete(o.TSID())
			c.proxies.Delete(o.TSID())
			n++
		}
	}
	c.dropped()
	slog.Warn("request rolled back", "tag", tag, "dropped", n)
}

// Shutdown flushes the whole live cache and closes the driver. New writes
// through PostRequestProc are refused from the moment it is called; flush
// failures are logged and skipped so shutdown always makes progress.
func (c *Cache) Shutdown(ctx context.Context) error {
	c.shutdown.Store(true)

	var objs []*model.Object
	c.live.Range(func(id string, o *model.Object) bool {
		o.Timers().Suspend()
		objs = append(objs, o)
		return true
	})
	slog.Info("flushing live cache", "objects", len(objs))

	sem := semaphore.NewWeighted(shutdownFlushWorkers)
	done := make(chan struct{}, len(objs))
	failed := 0
	for i, o := range objs {
		if err := sem.Acquire(ctx, 1); err != nil {
			slog.Error("shutdown flush interrupted", "error", err, "remaining", len(objs)-i)
			failed += len(objs) - i
			break
		}
		o := o
		go func() {
			defer sem.Release(1)
			if err := c.writeBatch(ctx, "shutdown", []*model.Object{o}); err != nil {
				slog.Error("shutdown flush failed, skipping", "tsid", o.TSID(), "error", err)
			}
			done <- struct{}{}
		}()
		if (i+1)%shutdownLogBatch == 0 {
			slog.Info("flush progress", "flushed", i+1, "total", len(objs))
		}
	}
	for i := 0; i < len(objs)-failed; i++ {
		<-done
	}
	slog.Info("live cache flushed", "objects", len(objs), "errors", c.errCount.Load())

	if err := c.drv.Close(); err != nil {
		return err
	}
	return nil
}

// writeBatch serializes and writes a set of objects as one driver batch.
// Objects that fail to serialize are logged and skipped.
func (c *Cache) writeBatch(ctx context.Context, tag string, objs []*model.Object) error {
	if len(objs) == 0 {
		return nil
	}
	recs := make([]Record, 0, len(objs))
	for _, o := range objs {
		data, err := o.MarshalRecord()
		if err != nil {
			slog.Error("cannot serialize, skipping", "tag", tag, "tsid", o.TSID(), "error", err)
			continue
		}
		recs = append(recs, Record{TSID: o.TSID(), Data: data})
	}
	if len(recs) == 0 {
		return nil
	}
	if err := c.drv.Write(ctx, recs); err != nil {
		slog.Error("batch write failed", "tag", tag, "records", len(recs), "error", err)
		return err
	}
	if c.mtr != nil {
		c.mtr.PersWritesTotal.Add(float64(len(recs)))
	}
	return nil
}

func (c *Cache) deleteOne(ctx context.Context, tag string, o *model.Object) error {
	if err := c.drv.Delete(ctx, o.TSID()); err != nil {
		slog.Error("delete failed", "tag", tag, "tsid", o.TSID(), "error", err)
		return err
	}
	return nil
}

// resolveUnload expands each unload root into its loaded dependent children,
// writes the survivors, deletes the deleted-marked ones and removes
// everything from the caches.
func (c *Cache) resolveUnload(ctx context.Context, tag string, roots []*model.Object) error {
	visited := make(map[string]bool)
	var all []*model.Object
	for _, root := range roots {
		c.collectUnload(tag, root, visited, &all)
	}

	var first error
	var writes []*model.Object
	for _, o := range all {
		if o.Deleted() {
			if err := c.deleteOne(ctx, tag, o); err != nil && first == nil {
				first = err
			}
		} else {
			writes = append(writes, o)
		}
	}
	if err := c.writeBatch(ctx, tag, writes); err != nil && first == nil {
		first = err
	}

	for _, o := range all {
		o.Timers().Suspend()
		o.MarkStale()
		c.live.Delete(o.TSID())
		c.proxies.Delete(o.TSID())
	}
	c.dropped()
	return first
}

// collectUnload walks the dependent graph of one unload root: bag, item,
// data-container and quest children reached through loaded references. The
// well-known back-reference props (owner, container, location) are skipped
// to stay off the cycle back up the containment tree; references that were
// never loaded stay untouched in storage. Revisits are logged and skipped.
func (c *Cache) collectUnload(tag string, o *model.Object, visited map[string]bool, out *[]*model.Object) {
	if visited[o.TSID()] {
		slog.Warn("unload graph revisit, skipping", "tag", tag, "tsid", o.TSID())
		return
	}
	visited[o.TSID()] = true
	*out = append(*out, o)

	for _, name := range o.PropNames() {
		switch name {
		case model.PropOwner, model.PropContainer, model.PropLocation:
			continue
		}
		v, _ := o.Prop(name)
		c.collectRefs(tag, v, visited, out)
	}
}

// collectRefs descends into a prop value looking for dependent references.
func (c *Cache) collectRefs(tag string, v any, visited map[string]bool, out *[]*model.Object) {
	switch t := v.(type) {
	case *model.Ref:
		switch tsid.Kind(t.TSID) {
		case tsid.KindBag, tsid.KindItem, tsid.KindDataContainer, tsid.KindQuest:
		default:
			return
		}
		child, ok := c.live.Load(t.TSID)
		if !ok {
			return // non-loaded proxy: nothing in memory to flush
		}
		c.collectUnload(tag, child, visited, out)
	case []any:
		for _, e := range t {
			c.collectRefs(tag, e, visited, out)
		}
	case map[string]any:
		for _, e := range t {
			c.collectRefs(tag, e, visited, out)
		}
	}
}

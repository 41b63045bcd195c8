package hlbtree

import "fmt"

// Engine is the package's public surface:
// it owns the single shared BufferManager and the process-wide tree
// registry, and exposes register/retrieve/drop/persist/restore/close. It
// plays the role the reference implementation's single global BufMgr played for its one
// hard-coded tree, generalized to a multi-tree registry.
type Engine struct {
	opts        Options
	bm          *BufferManager
	registry    *registry
	backingPath string
}

// Open creates a fresh Engine, or, when opts.SSDPath names an existing
// backing file with sidecar metadata, restores every previously registered
// tree from it.
func Open(opts Options) (*Engine, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	var store pageStore
	if opts.SSDPath == "" {
		store = newMemPageStore(opts.PageSize)
	} else {
		store, err = newFilePageStore(opts.SSDPath, opts.PageSize)
		if err != nil {
			return nil, err
		}
	}

	bm, err := newBufferManager(opts, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	e := &Engine{opts: opts, bm: bm, registry: newRegistry(), backingPath: opts.SSDPath}
	bm.findParent = e.registry.findParentAcrossTrees

	if opts.SSDPath != "" {
		if err := e.restore(); err != nil {
			bm.Close()
			return nil, err
		}
	}
	return e, nil
}

// restore rebuilds the registry from the sidecar files written by a prior
// Persist. A fresh backing file (no sidecars yet) leaves the
// registry empty rather than erroring.
func (e *Engine) restore() error {
	records, err := loadRegistryRecords(e.backingPath)
	if err != nil {
		return ioErrorf("restore registry", invalidPID, err)
	}
	aux, err := loadAuxRecords(e.backingPath, len(records))
	if err != nil {
		return ioErrorf("restore aux state", invalidPID, err)
	}
	for i, rec := range records {
		buf := make([]byte, e.opts.PageSize)
		if err := e.bm.store.ReadPage(rec.metaPID, buf); err != nil {
			return ioErrorf("restore meta page", rec.metaPID, err)
		}
		frame, err := e.loadPinnedFrame(rec.metaPID, buf)
		if err != nil {
			return err
		}
		opts := TreeOptions{}
		if i < len(aux) {
			opts = TreeOptions{EnableWAL: aux[i].enableWAL, UseBulkInsert: aux[i].useBulkInsert}
		}
		t := attachTree(rec.name, e.bm, frame, rec.metaPID, opts)
		if err := e.registry.add(rec.name, t); err != nil {
			return err
		}
	}
	defaultLogger.Info().Int("trees", len(records)).Str("path", e.backingPath).Msg("hlbtree: restore complete")
	return nil
}

// loadPinnedFrame installs an already-read page image into a fresh frame
// without going through the normal resolveChild path (there is no parent
// swip pointing at a meta frame to resolve through; meta frames are the
// tree's entry point, not a child of anything).
func (e *Engine) loadPinnedFrame(pid PageID, data []byte) (*Frame, error) {
	idx, err := e.bm.getFreeFrame()
	if err != nil {
		return nil, err
	}
	f := &e.bm.frames[idx]
	copy(f.data, data)
	f.setPID(pid)
	f.setState(stateHot)
	f.clearDirty()
	return f, nil
}

// Register creates a new empty tree under name, consisting of a permanently pinned meta frame whose root Swip
// points at one freshly allocated empty leaf.
func (e *Engine) Register(name string, opts TreeOptions) (*Tree, error) {
	metaFrame, metaPID, err := e.bm.pinnedFrame()
	if err != nil {
		return nil, err
	}
	t := newTree(name, e.bm, metaFrame, metaPID, opts)

	leafFrame, _, err := e.bm.pinnedFrame()
	if err != nil {
		e.bm.freePage(metaPID)
		return nil, err
	}
	t.meta.node().upperSwipRef().swizzleTo(leafFrame.idx)

	if err := e.registry.add(name, t); err != nil {
		e.bm.freePage(metaPID)
		e.bm.freePage(leafFrame.getPID())
		return nil, err
	}
	return t, nil
}

// Retrieve returns the handle for a previously registered tree.
func (e *Engine) Retrieve(name string) (*Tree, error) {
	return e.registry.get(name)
}

// Drop removes a tree from the registry and frees every page reachable
// from it, including its meta frame.
func (e *Engine) Drop(name string) error {
	t, err := e.registry.remove(name)
	if err != nil {
		return err
	}
	var pages []PageID
	if err := t.walkPages(func(pid PageID) { pages = append(pages, pid) }); err != nil {
		return err
	}
	for _, pid := range pages {
		e.bm.freePage(pid)
	}
	e.bm.freePage(t.metaPID)
	return nil
}

// Stats returns a point-in-time snapshot of the buffer manager's
// diagnostic counters.
type Stats struct {
	Reads, Writes, Evictions, Coolings, Reclaims uint64
}

func (e *Engine) Stats() Stats {
	return Stats{
		Reads:     e.bm.stats.reads.Load(),
		Writes:    e.bm.stats.writes.Load(),
		Evictions: e.bm.stats.evictions.Load(),
		Coolings:  e.bm.stats.coolings.Load(),
		Reclaims:  e.bm.stats.reclaims.Load(),
	}
}

// Close flushes and releases all resources. It does not persist the
// registry; call Persist first if that is wanted.
func (e *Engine) Close() error {
	return e.bm.Close()
}

func (e *Engine) String() string {
	return fmt.Sprintf("Engine{path=%q, trees=%d}", e.backingPath, len(e.registry.snapshot()))
}

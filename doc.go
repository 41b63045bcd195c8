// Package hlbtree implements an embeddable, disk-backed B+tree storage
// core with a hybrid-latch buffer manager: optimistic reads validate a
// version counter instead of blocking, exclusive writers serialize
// through a reader/writer lock, and cold pages are swizzled out of a
// fixed-size buffer pool and back in on demand.
//
// Engine is the package's entry point. It owns one BufferManager shared
// by every tree registered against it:
//
//	eng, err := hlbtree.Open(hlbtree.DefaultOptions())
//	tree, err := eng.Register("accounts", hlbtree.TreeOptions{})
//	err = tree.Insert([]byte("alice"), []byte("100"))
//	val, err := tree.Lookup([]byte("alice"))
//
// A Cursor walks a tree's keys in order:
//
//	c := hlbtree.NewCursor(tree)
//	for err := c.Seek(nil); c.Positioned(); err = c.Next() {
//		use(c.Key(), c.Value())
//	}
//
// Concurrent callers never block on a latch they only need to read
// through: every descent starts Optimistic and upgrades to Shared or
// Exclusive only at the leaf actually being modified, restarting the
// whole operation on a detected conflict rather than corrupting state.
package hlbtree

package mediawatch

import "errors"

// ErrElementDetached is returned when a write targets a handle whose
// element has left the document. The registry entry is stale; the caller
// should drop the handle and wait for re-discovery.
var ErrElementDetached = errors.New("mediawatch: media element detached")

// ErrNoSuchPage is returned when a write targets a page ID with no live
// observer.
var ErrNoSuchPage = errors.New("mediawatch: no such page")

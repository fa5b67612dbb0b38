// Package clienttable maps tunnel ids to client state.
package clienttable

import (
	"container/list"

	"github.com/udptunnel/udptunnel-server/internal/client"
)

// Table owns every connected client, keyed by tunnel id, in insertion
// order. It is not safe for concurrent use: by construction only the
// dispatch goroutine ever touches it, matching spec.md §5's single
// writer to shared state.
type Table struct {
	byID  map[uint16]*list.Element
	order *list.List
}

// New returns an empty table.
func New() *Table {
	return &Table{
		byID:  make(map[uint16]*list.Element),
		order: list.New(),
	}
}

// Insert adds c to the table under c.ID. A duplicate id is a no-op; the
// id allocator is responsible for uniqueness.
func (t *Table) Insert(c *client.Client) {
	if _, exists := t.byID[c.ID]; exists {
		return
	}
	t.byID[c.ID] = t.order.PushBack(c)
}

// Lookup returns the client for id, if present.
func (t *Table) Lookup(id uint16) (*client.Client, bool) {
	el, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*client.Client), true
}

// Remove tears down and removes the client for id. A no-op if id is
// zero or unknown, matching the original's idempotent
// disconnect_and_remove_client.
func (t *Table) Remove(id uint16) {
	el, ok := t.byID[id]
	if !ok {
		return
	}
	el.Value.(*client.Client).Close()
	t.order.Remove(el)
	delete(t.byID, id)
}

// Len returns the number of clients currently in the table.
func (t *Table) Len() int { return t.order.Len() }

// Iterate calls fn once per client in insertion order. fn may remove the
// current client from the table (directly, via Remove) without
// disrupting the walk: the next element is captured before fn runs.
func (t *Table) Iterate(fn func(*client.Client)) {
	for el := t.order.Front(); el != nil; {
		next := el.Next()
		fn(el.Value.(*client.Client))
		el = next
	}
}

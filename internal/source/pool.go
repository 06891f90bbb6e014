// Package source implements the source daemon: the depth-first tree
// walker that streams structure messages, and the file-sender pool that
// pushes file bytes across the pooled data connections.
package source

import (
	"context"
	"fmt"

	"github.com/wykurz/rcp-sub000/internal/transport"
)

// connPool hands out the data connections the destination opened to us.
// Capacity equals max_connections; a sender borrows exactly one connection
// for the duration of one file.
type connPool struct {
	ch chan *transport.DataWriter
}

func newConnPool(capacity int) *connPool {
	return &connPool{ch: make(chan *transport.DataWriter, capacity)}
}

// Add feeds a freshly accepted connection into the pool.
func (p *connPool) Add(w *transport.DataWriter) {
	select {
	case p.ch <- w:
	default:
		// more connections than max_connections; refuse the surplus
		w.Abort()
	}
}

// Get borrows a connection, waiting for one to be accepted or freed.
func (p *connPool) Get(ctx context.Context) (*transport.DataWriter, error) {
	select {
	case w := <-p.ch:
		return w, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("borrow data connection: %w", ctx.Err())
	}
}

// Put returns a healthy connection. Corrupted connections are never Put
// back; they are aborted by their borrower.
func (p *connPool) Put(w *transport.DataWriter) {
	select {
	case p.ch <- w:
	default:
		w.Abort()
	}
}

// CloseAll closes every idle connection. Callers invoke it only after all
// borrowers finished, so idle is all of them.
func (p *connPool) CloseAll() {
	for {
		select {
		case w := <-p.ch:
			w.Close()
		default:
			return
		}
	}
}

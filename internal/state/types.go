package state

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("state store closed")

// Store tracks which item ids have already been handled per entity.
//
// Reads are forgiving: a store that cannot read its backing data reports the
// problem and answers as if nothing was processed, so checks keep running.
// Writes are strict: a failed MarkProcessed propagates to the caller.
type Store interface {
	IsProcessed(ctx context.Context, entityKey string, id int) (bool, error)
	MarkProcessed(ctx context.Context, entityKey string, id int) error
	Close() error
}

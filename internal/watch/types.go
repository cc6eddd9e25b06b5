package watch

import (
	"context"
	"strings"
	"time"
)

// DownloadType classifies how an item is offered by the source site.
//
// The ordering matters: TypeAvailable is the most permissive classification
// and is the fallback for type strings we do not recognize.
type DownloadType int

const (
	TypeAvailable DownloadType = iota
	TypePreview
	TypePaid
)

func (t DownloadType) String() string {
	switch t {
	case TypePreview:
		return "preview"
	case TypePaid:
		return "paid"
	default:
		return "available"
	}
}

// ParseDownloadType maps a config/source type string to a DownloadType.
// Unknown strings map to TypeAvailable; ok is false so callers can warn.
func ParseDownloadType(s string) (t DownloadType, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available", "":
		return TypeAvailable, true
	case "preview":
		return TypePreview, true
	case "paid":
		return TypePaid, true
	default:
		return TypeAvailable, false
	}
}

// Item is one release discovered at a source.
type Item struct {
	ID   int
	URL  string
	Type DownloadType
}

// Result is what one extraction pass produced.
type Result struct {
	Items []Item

	// RequeueDelay, when positive, overrides the configured check interval
	// for the empty-result requeue that follows this check.
	RequeueDelay time.Duration
}

// Handler lists the items currently offered by a source.
//
// Implementations may block on network I/O and should honor ctx; transient
// failures are returned as errors and retried by the check queue.
type Handler interface {
	Extract(ctx context.Context, url, credentials string) (Result, error)
}

// Downloader acquires a single found item. Retry/progress mechanics are the
// implementation's own business; the dispatcher only observes the final error.
type Downloader interface {
	Download(ctx context.Context, entityKey string, item Item) error
}

// FoundEvent is the payload of an eventbus check.found event: the new items
// one check discovered for one entity, already filtered against the
// processed-state store.
type FoundEvent struct {
	EntityKey  string
	EntityName string
	Items      []Item
}

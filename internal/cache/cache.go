package cache

import (
	"context"
	"time"
)

// Cache is the shared ephemeral store the realtime core coordinates through.
// Presence last-seen, rate windows, and missed-event queues all live here so
// that multiple server instances observe the same state. Implementations
// must make each method atomic with respect to concurrent callers — the
// realtime components never read-modify-write around these calls.
type Cache interface {
	// SetWithTTL stores a value, replacing any existing one. ttl=0 means no expiry.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Delete removes a key. No-op if absent.
	Delete(ctx context.Context, key string) error

	// IncrCounter atomically increments a plain counter and returns the new
	// value. Used for cluster-wide connection counts.
	IncrCounter(ctx context.Context, key string) (int64, error)

	// DecrCounter atomically decrements a counter, deleting the key once it
	// reaches zero or below, and returns the clamped value. The delete keeps
	// a crashed instance from leaving negative counts behind forever.
	DecrCounter(ctx context.Context, key string) (int64, error)

	// Touch resets a key's TTL without reading or writing its value. No-op
	// if the key does not exist.
	Touch(ctx context.Context, key string, ttl time.Duration) error

	// IncrWindow atomically increments a fixed-window counter, starting the
	// window (setting the TTL) only on the first increment. It returns the
	// count after the increment and the time left in the window.
	IncrWindow(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)

	// AppendList appends a value to the tail of a list and refreshes the
	// list's TTL, preserving insertion order across concurrent appenders.
	AppendList(ctx context.Context, key, value string, ttl time.Duration) error

	// ListRange returns elements [start, stop] (inclusive, redis semantics).
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// ListLen returns the current length of a list (0 if absent).
	ListLen(ctx context.Context, key string) (int64, error)

	// TrimListFront drops the first n elements of a list. Together with
	// ListLen and ListRange this forms the versioned drain cursor: read the
	// length, range over exactly that many entries, then trim exactly that
	// many — entries appended mid-drain survive for the next drain.
	TrimListFront(ctx context.Context, key string, n int64) error
}

// Bus is the cross-instance fan-out channel. Room broadcasts are published
// here so connections held by other server processes receive them too.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a receive channel for messages on the given pattern
	// and a cancel function that tears the subscription down. The channel is
	// closed after cancel.
	Subscribe(ctx context.Context, pattern string) (<-chan BusMessage, func(), error)
}

// BusMessage is one published payload with the channel it arrived on.
type BusMessage struct {
	Channel string
	Payload []byte
}

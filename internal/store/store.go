// Package store implements the synchronous persistence contract backing
// Haggle's asynchronous data manager operations (spec §4.4 "Data Store"):
// insert, retrieve, delete, and attribute-matched query.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
)

// ErrNotFound is returned by Retrieve/Delete when the id is unknown.
var ErrNotFound = errors.New("store: data object not found")

// Store is the synchronous persistence contract. The data manager calls
// these from a worker goroutine and replies to the kernel with a private
// event once the call returns (spec §4.4); Store implementations
// themselves know nothing about the kernel or events.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Store interface {
	Insert(ctx context.Context, obj *dataobject.DataObject) error
	Retrieve(ctx context.Context, id dataobject.ID) (*dataobject.DataObject, error)
	Delete(ctx context.Context, id dataobject.ID) error

	// Query returns every stored object whose attributes satisfy want,
	// ordered by descending match score (spec §4.2 match ordering).
	Query(ctx context.Context, want *attribute.Set) ([]*dataobject.DataObject, error)

	// All returns every object currently stored, used to rebuild a node's
	// Bloom filter on startup and by the benchmark/trace managers.
	All(ctx context.Context) ([]*dataobject.DataObject, error)

	// Age deletes every persistent object older than maxAge whose
	// attributes do not match want (spec §4.5 "Aging": "delete data
	// objects we no longer have interest in and that exceed the max
	// age"), stopping after batchCap deletions so one sweep cannot block
	// the data manager indefinitely. hitCap reports whether the cap was
	// reached, telling the caller whether to re-arm immediately.
	Age(ctx context.Context, want *attribute.Set, maxAge time.Duration, batchCap int) (deleted []dataobject.ID, hitCap bool, err error)

	// PutRepository/GetRepository/DeleteRepository/RepositoryByAuthority
	// back the repository key/value entries spec §4.2 lists alongside the
	// data object operations (PRoPHET's persisted RIB, the security
	// manager's private key and certificates). Keys are namespaced
	// "authority:key" so RepositoryByAuthority can return every entry a
	// given module owns.
	PutRepository(ctx context.Context, authority, key, value string) error
	GetRepository(ctx context.Context, authority, key string) (string, error)
	DeleteRepository(ctx context.Context, authority, key string) error
	RepositoryByAuthority(ctx context.Context, authority string) (map[string]string, error)

	Close() error
}

// repoKey joins a repository entry's authority and key into the single
// string both backends use to index their underlying key/value bucket.
func repoKey(authority, key string) string {
	return authority + ":" + key
}

// rankByMatch sorts objs by descending match score against want, stable
// on ties so equally-scored objects keep insertion order.
func rankByMatch(objs []*dataobject.DataObject, want *attribute.Set) []*dataobject.DataObject {
	type scored struct {
		obj   *dataobject.DataObject
		score uint64
	}
	ranked := make([]scored, 0, len(objs))
	for _, o := range objs {
		score, matched := o.Attrs.Matches(want)
		if matched == 0 {
			continue
		}
		ranked = append(ranked, scored{obj: o, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]*dataobject.DataObject, len(ranked))
	for i, r := range ranked {
		out[i] = r.obj
	}
	return out
}

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
	"github.com/haggle-project/haggled/internal/metadata"
)

func sampleObject(topic string) *dataobject.DataObject {
	obj := dataobject.New()
	obj.AddAttribute(attribute.New("Topic", topic))
	obj.Metadata = metadata.New("DataObject", "")
	return obj
}

func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	weather := sampleObject("weather")
	storm := sampleObject("storm")
	require.NoError(t, s.Insert(ctx, weather))
	require.NoError(t, s.Insert(ctx, storm))

	got, err := s.Retrieve(ctx, weather.ID())
	require.NoError(t, err)
	require.Equal(t, weather.ID(), got.ID())

	_, err = s.Retrieve(ctx, dataobject.ID{0xff})
	require.ErrorIs(t, err, ErrNotFound)

	want := attribute.NewSet(attribute.New("Topic", "weather"))
	matches, err := s.Query(ctx, want)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, weather.ID(), matches[0].ID())

	all, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, storm.ID()))
	_, err = s.Retrieve(ctx, storm.ID())
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, s.Delete(ctx, storm.ID()), ErrNotFound)

	dup := sampleObject("weather")
	require.NoError(t, s.Insert(ctx, dup))
	require.True(t, dup.Duplicate)

	require.NoError(t, s.PutRepository(ctx, "Prophet", "node-a", "P:0.5:1000"))
	require.NoError(t, s.PutRepository(ctx, "Prophet", "node-b", "P:0.3:1000"))
	require.NoError(t, s.PutRepository(ctx, "Security", "privkey", "opaque"))

	v, err := s.GetRepository(ctx, "Prophet", "node-a")
	require.NoError(t, err)
	require.Equal(t, "P:0.5:1000", v)

	_, err = s.GetRepository(ctx, "Prophet", "missing")
	require.ErrorIs(t, err, ErrNotFound)

	entries, err := s.RepositoryByAuthority(ctx, "Prophet")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"node-a": "P:0.5:1000", "node-b": "P:0.3:1000"}, entries)

	require.NoError(t, s.DeleteRepository(ctx, "Prophet", "node-a"))
	require.ErrorIs(t, s.DeleteRepository(ctx, "Prophet", "node-a"), ErrNotFound)

	old := sampleObject("rumor")
	old.CreateTime = time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.Insert(ctx, old))

	wantNothing := attribute.NewSet(attribute.New("Topic", "nonexistent"))
	deleted, hitCap, err := s.Age(ctx, wantNothing, 24*time.Hour, 10)
	require.NoError(t, err)
	require.False(t, hitCap)
	require.ElementsMatch(t, []dataobject.ID{old.ID()}, deleted)

	_, err = s.Retrieve(ctx, old.ID())
	require.ErrorIs(t, err, ErrNotFound)

	// weather is recent and/or matches a live interest, so it must survive.
	_, err = s.Retrieve(ctx, weather.ID())
	require.NoError(t, err)
}

func TestMemStore(t *testing.T) {
	runStoreSuite(t, NewMemStore())
}

func TestBoltStore(t *testing.T) {
	dir, err := os.MkdirTemp("", "haggled-store-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	runStoreSuite(t, s)
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	dir, err := os.MkdirTemp("", "haggled-store-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s1, err := NewBoltStore(dir)
	require.NoError(t, err)
	obj := sampleObject("weather")
	require.NoError(t, s1.Insert(context.Background(), obj))
	require.NoError(t, s1.Close())

	s2, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Retrieve(context.Background(), obj.ID())
	require.NoError(t, err)
	require.True(t, got.Metadata.Equal(obj.Metadata))
}

package content

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_MostRecentlyUsedFirst(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := model.ContentInfo{Hash: model.ShortHash{1}, Size: 1, LastAccessTime: now.Add(-time.Hour)}
	b := model.ContentInfo{Hash: model.ShortHash{2}, Size: 2, LastAccessTime: now}
	store := NewMemoryStore(a, b)

	infos, err := store.GetContentInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.ShortHash{b.Hash, a.Hash}, []model.ShortHash{infos[0].Hash, infos[1].Hash})

	store.Touch(a.Hash, now.Add(time.Minute))
	infos, err = store.GetContentInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.Hash, infos[0].Hash)

	store.Remove(a.Hash)
	_, found, err := store.TryGetContentInfo(context.Background(), a.Hash)
	require.NoError(t, err)
	assert.False(t, found)
}

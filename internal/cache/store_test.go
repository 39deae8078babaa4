package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/plauderschnell/internal/chat"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func conv(id, content string) *chat.Conversation {
	return &chat.Conversation{
		ID:       id,
		Messages: []chat.Message{{ID: id + "-m1", Role: chat.RoleUser, Content: content}},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	s.Put(conv("c-1", "hello"))

	got, ok := s.Get("c-1")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Messages[0].Content)

	// Persistent tier has the JSON file with the expected shape.
	data, err := os.ReadFile(s.filePath("c-1"))
	require.NoError(t, err)
	var cached CachedConversation
	require.NoError(t, json.Unmarshal(data, &cached))
	assert.Equal(t, StorageVersion, cached.Version)
	assert.Equal(t, "c-1-m1", cached.LastMessageID)
	assert.Len(t, cached.Messages, 1)
}

func TestGetFallsBackToDisk(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir, nil)
	require.NoError(t, err)
	s1.Put(conv("c-1", "persisted"))

	// A fresh store has an empty memory tier and must read from disk.
	s2, err := NewStore(dir, nil)
	require.NoError(t, err)
	got, ok := s2.Get("c-1")
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Messages[0].Content)

	// The file timestamp comes back as the RFC3339 string the chat model
	// carries everywhere else.
	updated, err := time.Parse(time.RFC3339, got.UpdatedAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), updated, time.Minute)
}

func TestExpiredEntryReadsAsAbsent(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir, nil)
	require.NoError(t, err)
	s1.Put(conv("c-1", "stale"))

	s2, err := NewStore(dir, nil)
	require.NoError(t, err)
	s2.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, ok := s2.Get("c-1")
	assert.False(t, ok, "expired entry must read as absent")

	// The expired file is purged on the way out.
	_, err = os.Stat(s2.filePath("c-1"))
	assert.True(t, os.IsNotExist(err), "expired file should be purged")
}

func TestLRUEvictsAtCapacity(t *testing.T) {
	s := newTestStore(t)
	s.MaxConversations = 50

	for i := 0; i < 51; i++ {
		s.Put(conv(fmt.Sprintf("c-%02d", i), "x"))
	}

	assert.Equal(t, 50, s.Len())

	// The first insert is the LRU tail and must be gone, memory and disk.
	_, ok := s.Get("c-00")
	assert.False(t, ok, "oldest conversation should be evicted")
	_, err := os.Stat(s.filePath("c-00"))
	assert.True(t, os.IsNotExist(err))

	_, ok = s.Get("c-50")
	assert.True(t, ok, "newest conversation must survive")
}

func TestGetPromotesInLRUOrder(t *testing.T) {
	s := newTestStore(t)
	s.MaxConversations = 2

	s.Put(conv("c-1", "one"))
	s.Put(conv("c-2", "two"))
	s.Get("c-1") // promote c-1, making c-2 the tail
	s.Put(conv("c-3", "three"))

	_, ok := s.Get("c-2")
	assert.False(t, ok, "tail after promotion should be evicted")
	_, ok = s.Get("c-1")
	assert.True(t, ok)
}

func TestOversizedEntryStaysMemoryOnly(t *testing.T) {
	s := newTestStore(t)
	s.MaxEntryBytes = 64

	big := conv("c-big", string(make([]byte, 1024)))
	s.Put(big)

	_, ok := s.Get("c-big")
	assert.True(t, ok, "memory tier still serves the session")
	_, err := os.Stat(s.filePath("c-big"))
	assert.True(t, os.IsNotExist(err), "oversized entry must not persist")
}

func TestAggregateCapEvictsOldest(t *testing.T) {
	s := newTestStore(t)
	s.MaxTotalBytes = 600

	for i := 0; i < 10; i++ {
		s.Put(conv(fmt.Sprintf("c-%d", i), "some conversation content"))
	}

	assert.LessOrEqual(t, s.totalSize, s.MaxTotalBytes)
	assert.Less(t, s.Len(), 10, "aggregate cap should have evicted something")
}

func TestRemoveDropsBothTiers(t *testing.T) {
	s := newTestStore(t)
	s.Put(conv("c-1", "x"))

	s.Remove("c-1")

	_, ok := s.Get("c-1")
	assert.False(t, ok)
	_, err := os.Stat(s.filePath("c-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestRekeyMigratesEntry(t *testing.T) {
	s := newTestStore(t)
	s.Put(conv("old-id", "content"))

	s.Rekey("old-id", "new-id")

	_, ok := s.Get("old-id")
	assert.False(t, ok)
	got, ok := s.Get("new-id")
	require.True(t, ok)
	assert.Equal(t, "new-id", got.ID)
	_, err := os.Stat(s.filePath("new-id"))
	assert.NoError(t, err, "rekeyed entry should be persisted under the new id")
}

func TestMetadataSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir, nil)
	require.NoError(t, err)
	s1.Put(conv("c-1", "one"))
	s1.Put(conv("c-2", "two"))

	var meta metadata
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &meta))
	// Most recently used first.
	assert.Equal(t, []string{"c-2", "c-1"}, meta.ConversationIDs)
	assert.Positive(t, meta.TotalSize)

	s2, err := NewStore(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c-2", "c-1"}, s2.IDs())
}

func TestCorruptFileReadsAsAbsent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.filePath("c-bad"), []byte("not json"), 0644))

	_, ok := s.Get("c-bad")
	assert.False(t, ok)
}

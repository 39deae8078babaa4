package cache

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codefionn/plauderschnell/internal/chat"
	"github.com/codefionn/plauderschnell/internal/eventbus"
)

func TestWatcherAbsorbsExternalWrite(t *testing.T) {
	s := newTestStore(t)
	bus := eventbus.New()
	defer bus.Close()

	synced := make(chan eventbus.CacheSynced, 4)
	bus.Subscribe(eventbus.KindCacheSynced, func(ev eventbus.Event) {
		synced <- ev.(eventbus.CacheSynced)
	})

	w, err := NewWatcher(s, bus, nil)
	require.NoError(t, err)
	defer w.Close()

	// Another process writes a conversation file into the shared directory.
	cached := CachedConversation{
		Messages:      []chat.Message{{ID: "m-1", Role: chat.RoleUser, Content: "external"}},
		Timestamp:     time.Now(),
		Version:       StorageVersion,
		LastMessageID: "m-1",
	}
	data, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.filePath("c-ext"), data, 0644))

	select {
	case ev := <-synced:
		require.Equal(t, "c-ext", ev.ConversationID)
		require.False(t, ev.Removed)
	case <-time.After(3 * time.Second):
		t.Fatal("external write never absorbed")
	}

	conv, ok := s.Get("c-ext")
	require.True(t, ok)
	require.Equal(t, "external", conv.Messages[0].Content)
}

func TestWatcherForgetsExternalRemove(t *testing.T) {
	s := newTestStore(t)
	bus := eventbus.New()
	defer bus.Close()

	synced := make(chan eventbus.CacheSynced, 4)
	bus.Subscribe(eventbus.KindCacheSynced, func(ev eventbus.Event) {
		synced <- ev.(eventbus.CacheSynced)
	})

	s.Put(conv("c-1", "here"))

	w, err := NewWatcher(s, bus, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.Remove(s.filePath("c-1")))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-synced:
			if ev.ConversationID == "c-1" && ev.Removed {
				if _, ok := s.Get("c-1"); ok {
					t.Fatal("store still serves removed conversation")
				}
				return
			}
		case <-deadline:
			t.Fatal("external remove never observed")
		}
	}
}

func TestWatcherIgnoresMetadataAndTempFiles(t *testing.T) {
	if id, ok := conversationID("/cache/metadata.json"); ok {
		t.Fatalf("metadata.json classified as conversation %q", id)
	}
	if _, ok := conversationID("/cache/metadata.lock"); ok {
		t.Fatal("lockfile classified as conversation")
	}
	if _, ok := conversationID("/cache/c-1.json.tmp"); ok {
		t.Fatal("temp file classified as conversation")
	}
	id, ok := conversationID("/cache/c-1.json")
	if !ok || id != "c-1" {
		t.Fatalf("conversation file misclassified: %q %v", id, ok)
	}
}

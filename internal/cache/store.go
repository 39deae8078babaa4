// Package cache persists recently seen conversations so a restart (or a
// second process) can render history without waiting for the server. It is a
// two-tier store: an in-memory map that is authoritative for the running
// session, backed by one JSON file per conversation in a shared cache
// directory. The disk tier is a disposable optimization; any failure there
// degrades silently to memory-only operation.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/plauderschnell/internal/chat"
	"github.com/codefionn/plauderschnell/internal/lockfile"
	"github.com/codefionn/plauderschnell/internal/logger"
)

// Storage format version for forward compatibility
const StorageVersion = 1

const (
	// DefaultTTL is how long a persisted conversation stays readable.
	DefaultTTL = time.Hour

	// DefaultMaxConversations caps how many conversations the store tracks.
	DefaultMaxConversations = 50

	// DefaultMaxEntryBytes skips persisting a single oversized conversation.
	DefaultMaxEntryBytes = 5 * 1024 * 1024

	// DefaultMaxTotalBytes bounds the aggregate persistent tier.
	DefaultMaxTotalBytes = 50 * 1024 * 1024

	// sweepWindow rate-limits background expiry sweeps.
	sweepWindow = 5 * time.Minute

	metadataFile = "metadata.json"
	lockName     = "metadata.lock"
)

// CachedConversation is the on-disk format for one conversation.
type CachedConversation struct {
	Messages      []chat.Message `json:"messages"`
	Timestamp     time.Time      `json:"timestamp"`
	Version       int            `json:"version"`
	LastMessageID string         `json:"lastMessageId"`
}

// metadata is the shared index for the persistent tier. conversationIds is
// kept in LRU order, most recently used first.
type metadata struct {
	ConversationIDs []string  `json:"conversationIds"`
	TotalSize       int64     `json:"totalSize"`
	LastCleanup     time.Time `json:"lastCleanup"`
}

// Store is the two-tier conversation cache.
type Store struct {
	mu          sync.Mutex
	dir         string
	entries     map[string]*chat.Conversation
	order       []string // LRU, most recently used first
	sizes       map[string]int64
	totalSize   int64
	lastCleanup time.Time
	degraded    bool

	TTL              time.Duration
	MaxConversations int
	MaxEntryBytes    int64
	MaxTotalBytes    int64

	log *logger.Logger
	now func() time.Time
}

// NewStore creates a Store rooted at dir, creating the directory if needed
// and loading any metadata left behind by a previous process.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if log == nil {
		log = logger.Global().WithPrefix("cache")
	}

	s := &Store{
		dir:              dir,
		entries:          make(map[string]*chat.Conversation),
		sizes:            make(map[string]int64),
		TTL:              DefaultTTL,
		MaxConversations: DefaultMaxConversations,
		MaxEntryBytes:    DefaultMaxEntryBytes,
		MaxTotalBytes:    DefaultMaxTotalBytes,
		log:              log,
		now:              time.Now,
	}
	s.loadMetadata()
	return s, nil
}

// DefaultDir returns the platform-specific cache directory for a project.
func DefaultDir(projectID string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		if runtime.GOOS == "linux" {
			home, homeErr := os.UserHomeDir()
			if homeErr != nil {
				return "", err
			}
			base = filepath.Join(home, ".cache")
		} else {
			return "", err
		}
	}
	if projectID == "" {
		projectID = "default"
	}
	return filepath.Join(base, "plauderschnell", "cache", projectID), nil
}

// Put stores a conversation in both tiers and promotes it to the front of
// the LRU order. Disk failures degrade to memory-only, never error out.
func (s *Store) Put(conv *chat.Conversation) {
	if conv == nil || conv.ID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[conv.ID] = conv
	s.promoteLocked(conv.ID)

	// The 51st conversation evicts the tail before anything touches disk.
	for len(s.order) > s.MaxConversations {
		s.evictLocked(s.order[len(s.order)-1])
	}

	s.persistLocked(conv)
	s.maybeSweepLocked()
	s.saveMetadataLocked()
}

// Get returns a conversation from the memory tier, falling back to disk.
// Entries older than the TTL read as absent and are purged on the way out.
func (s *Store) Get(id string) (*chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.entries[id]; ok {
		s.promoteLocked(id)
		return conv, true
	}

	cached, err := s.readFile(id)
	if err != nil {
		return nil, false
	}
	if s.expired(cached.Timestamp) {
		s.evictLocked(id)
		s.saveMetadataLocked()
		return nil, false
	}

	conv := &chat.Conversation{
		ID:           id,
		Messages:     cached.Messages,
		MessageCount: len(cached.Messages),
		UpdatedAt:    cached.Timestamp.UTC().Format(time.RFC3339),
	}
	s.entries[id] = conv
	s.promoteLocked(id)
	return conv, true
}

// Remove drops a conversation from both tiers.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(id)
	s.saveMetadataLocked()
}

// RemoveMany drops several conversations at once (bulk delete).
func (s *Store) RemoveMany(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.evictLocked(id)
	}
	s.saveMetadataLocked()
}

// Rekey migrates a cached conversation from oldID to newID after a server
// redirect. The old entry is removed from both tiers.
func (s *Store) Rekey(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.entries[oldID]
	s.evictLocked(oldID)
	if !ok {
		s.saveMetadataLocked()
		return
	}

	conv.ID = newID
	s.entries[newID] = conv
	s.promoteLocked(newID)
	s.persistLocked(conv)
	s.saveMetadataLocked()
}

// Len reports how many conversations the store currently tracks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// IDs returns the tracked conversation ids in LRU order.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// absorbExternal mirrors a write made by another process into the memory
// tier. Returns false when the file is unreadable or expired.
func (s *Store) absorbExternal(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached, err := s.readFile(id)
	if err != nil {
		return false
	}
	if s.expired(cached.Timestamp) {
		return false
	}

	conv := s.entries[id]
	if conv == nil {
		conv = &chat.Conversation{ID: id}
		s.entries[id] = conv
	}
	conv.Messages = cached.Messages
	conv.MessageCount = len(cached.Messages)
	conv.UpdatedAt = cached.Timestamp.UTC().Format(time.RFC3339)
	s.promoteLocked(id)
	return true
}

// forgetExternal mirrors a removal made by another process.
func (s *Store) forgetExternal(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, tracked := s.entries[id]; !tracked && !s.trackedLocked(id) {
		return false
	}
	delete(s.entries, id)
	s.untrackLocked(id)
	return true
}

// promoteLocked moves id to the front of the LRU order.
func (s *Store) promoteLocked(id string) {
	s.untrackLocked(id)
	s.order = append([]string{id}, s.order...)
}

func (s *Store) trackedLocked(id string) bool {
	for _, existing := range s.order {
		if existing == id {
			return true
		}
	}
	return false
}

func (s *Store) untrackLocked(id string) {
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// evictLocked removes id from memory, the LRU order and disk.
func (s *Store) evictLocked(id string) {
	delete(s.entries, id)
	s.untrackLocked(id)
	if size, ok := s.sizes[id]; ok {
		s.totalSize -= size
		delete(s.sizes, id)
	}
	if err := os.Remove(s.filePath(id)); err != nil && !os.IsNotExist(err) {
		s.log.Debug("evict: cannot remove %s: %v", s.filePath(id), err)
	}
}

// persistLocked writes one conversation to the disk tier. Oversized entries
// are skipped; aggregate overflow evicts the oldest 20% of tracked
// conversations; a failed write gets one eviction pass and one retry before
// the store degrades to memory-only.
func (s *Store) persistLocked(conv *chat.Conversation) {
	if s.degraded {
		return
	}

	cached := CachedConversation{
		Messages:      conv.Messages,
		Timestamp:     s.now(),
		Version:       StorageVersion,
		LastMessageID: conv.LastMessageID(),
	}
	data, err := json.Marshal(cached)
	if err != nil {
		s.log.Warn("cannot marshal conversation %s: %v", conv.ID, err)
		return
	}

	size := int64(len(data))
	if size > s.MaxEntryBytes {
		s.log.Debug("conversation %s exceeds entry size cap (%d bytes), memory only", conv.ID, size)
		return
	}

	previous := s.sizes[conv.ID]
	if s.totalSize-previous+size > s.MaxTotalBytes {
		s.evictOldestLocked(conv.ID)
	}

	err = s.writeFile(conv.ID, data)
	if err != nil {
		// One eviction pass, one retry, then give up on disk.
		s.log.Warn("cache write for %s failed, evicting and retrying once: %v", conv.ID, err)
		s.evictOldestLocked(conv.ID)
		if err = s.writeFile(conv.ID, data); err != nil {
			s.log.Warn("cache retry for %s failed, degrading to memory only: %v", conv.ID, err)
			s.degraded = true
			return
		}
	}

	s.totalSize += size - previous
	s.sizes[conv.ID] = size
}

// evictOldestLocked drops the oldest 20% of tracked conversations, sparing
// the one currently being written.
func (s *Store) evictOldestLocked(spare string) {
	count := len(s.order) / 5
	if count < 1 {
		count = 1
	}
	for i := 0; i < count && len(s.order) > 0; {
		victim := s.order[len(s.order)-1]
		if victim == spare {
			if len(s.order) == 1 {
				return
			}
			victim = s.order[len(s.order)-2]
		}
		s.evictLocked(victim)
		i++
	}
}

// maybeSweepLocked purges expired disk entries, at most once per window.
func (s *Store) maybeSweepLocked() {
	if s.now().Sub(s.lastCleanup) < sweepWindow {
		return
	}
	s.lastCleanup = s.now()

	for _, id := range append([]string(nil), s.order...) {
		cached, err := s.readFile(id)
		if err != nil {
			continue
		}
		if s.expired(cached.Timestamp) {
			s.log.Debug("sweep: expiring conversation %s", id)
			s.evictLocked(id)
		}
	}
}

func (s *Store) expired(ts time.Time) bool {
	return s.now().Sub(ts) > s.TTL
}

func (s *Store) filePath(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+".json")
}

// sanitizeID makes a conversation id safe to use as a filename.
func sanitizeID(id string) string {
	id = strings.ReplaceAll(id, string(os.PathSeparator), "-")
	id = strings.ReplaceAll(id, "..", "-")
	return id
}

// writeFile writes data atomically via a temp file and rename.
func (s *Store) writeFile(id string, data []byte) error {
	final := s.filePath(id)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *Store) readFile(id string) (*CachedConversation, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		return nil, err
	}
	var cached CachedConversation
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("failed to decode cached conversation: %w", err)
	}
	if cached.Version != StorageVersion {
		return nil, fmt.Errorf("cache version mismatch: expected %d, got %d", StorageVersion, cached.Version)
	}
	return &cached, nil
}

// loadMetadata restores the LRU order and size accounting from a previous
// process. Missing or corrupt metadata just starts fresh.
func (s *Store) loadMetadata() {
	data, err := os.ReadFile(filepath.Join(s.dir, metadataFile))
	if err != nil {
		return
	}
	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		s.log.Debug("ignoring corrupt cache metadata: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range meta.ConversationIDs {
		if info, err := os.Stat(s.filePath(id)); err == nil {
			s.order = append(s.order, id)
			s.sizes[id] = info.Size()
			s.totalSize += info.Size()
		}
	}
	s.lastCleanup = meta.LastCleanup
}

// saveMetadataLocked writes the shared index, guarded by a short-lived lock
// so concurrent processes do not interleave the read-modify-write. Losing
// the lock race is fine: last write wins and the periodic sweep reconciles.
func (s *Store) saveMetadataLocked() {
	lock := lockfile.New(filepath.Join(s.dir, lockName))
	if err := lock.Acquire(200 * time.Millisecond); err != nil {
		s.log.Debug("skipping metadata write, lock busy: %v", err)
		return
	}
	defer lock.Release()

	meta := metadata{
		ConversationIDs: s.order,
		TotalSize:       s.totalSize,
		LastCleanup:     s.lastCleanup,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := s.writeMetadataFile(data); err != nil {
		s.log.Debug("cannot write cache metadata: %v", err)
	}
}

func (s *Store) writeMetadataFile(data []byte) error {
	final := filepath.Join(s.dir, metadataFile)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

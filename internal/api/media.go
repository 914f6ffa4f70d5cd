package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/messaging"
	"github.com/google/uuid"
)

// MediaPath is the route prefix of published media.
const MediaPath = "/media/"

// DefaultMediaTTL is how long a published image stays downloadable.
const DefaultMediaTTL = time.Hour

type mediaItem struct {
	data        []byte
	contentType string
	expires     time.Time
}

// MediaStore keeps rendered images in memory and serves them by id, so that Twilio can
// fetch message attachments from a public URL.
type MediaStore struct {
	baseURL string
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	items map[string]mediaItem
}

var _ messaging.MediaPublisher = (*MediaStore)(nil)

// NewMediaStore creates a media store whose URLs start with baseURL, the public address of
// this server. A non-positive ttl selects DefaultMediaTTL.
func NewMediaStore(baseURL string, ttl time.Duration) *MediaStore {
	if ttl <= 0 {
		ttl = DefaultMediaTTL
	}
	return &MediaStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		ttl:     ttl,
		now:     time.Now,
		items:   make(map[string]mediaItem),
	}
}

// Publish stores data and returns the URL it is served at.
func (m *MediaStore) Publish(data []byte, contentType string) (string, error) {
	if m.baseURL == "" {
		return "", fmt.Errorf("media store has no public base URL")
	}
	if len(data) == 0 {
		return "", fmt.Errorf("media cannot be empty")
	}

	id := uuid.NewString()
	now := m.now()

	m.mu.Lock()
	m.purgeLocked(now)
	m.items[id] = mediaItem{data: data, contentType: contentType, expires: now.Add(m.ttl)}
	m.mu.Unlock()

	slog.Debug("MediaStore published item", "id", id, "size", len(data), "contentType", contentType)
	return m.baseURL + MediaPath + id, nil
}

// Len returns the number of unexpired items.
func (m *MediaStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(m.now())
	return len(m.items)
}

func (m *MediaStore) purgeLocked(now time.Time) {
	for id, item := range m.items {
		if !now.Before(item.expires) {
			delete(m.items, id)
		}
	}
}

// ServeHTTP serves GET /media/{id}.
func (m *MediaStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, MediaPath)
	m.mu.Lock()
	item, ok := m.items[id]
	if ok && !m.now().Before(item.expires) {
		delete(m.items, id)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		slog.Debug("MediaStore item not found", "id", id)
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", item.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(item.data)))
	w.Header().Set("Cache-Control", "private, max-age="+strconv.Itoa(int(m.ttl.Seconds())))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(item.data); err != nil {
		slog.Error("MediaStore failed to write item", "error", err, "id", id)
	}
}

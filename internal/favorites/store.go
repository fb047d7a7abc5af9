package favorites

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polyscope/polyscope/internal/config"
	"github.com/polyscope/polyscope/internal/eventbus"
)

var (
	ErrDuplicateName = errors.New("a favorite with this name already exists for this GVK")
	ErrNotFound      = errors.New("favorite not found")
)

const currentVersion = 1

// document is the on-disk shape. extra preserves any top-level key this
// build doesn't recognize, so a rewrite never drops a future field.
type document struct {
	Version   int        `json:"version"`
	Favorites []Favorite `json:"favorites"`
	extra     map[string]interface{}
}

func (d document) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(d.extra)+2)
	for k, v := range d.extra {
		m[k] = v
	}
	m["version"] = d.Version
	m["favorites"] = d.Favorites
	return json.Marshal(m)
}

func (d *document) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	type known struct {
		Version   int        `json:"version"`
		Favorites []Favorite `json:"favorites"`
	}
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}

	d.Version = k.Version
	d.Favorites = k.Favorites

	delete(m, "version")
	delete(m, "favorites")
	if len(m) > 0 {
		d.extra = m
	}
	return nil
}

// Store is the process-singleton, file-backed Favorites Store. The zero
// value is not usable; construct with NewStore.
type Store struct {
	path string
	bus  *eventbus.Bus

	mu   sync.RWMutex
	data document
}

// Options configures the store's on-disk location.
type Options struct {
	// DevMode segregates the store's app directory from the release
	// one, the same convention the source's own config layer uses.
	DevMode bool
}

// NewStore resolves the app data directory under the fixed AppID (never
// a display name, so renaming the product never orphans a user's
// favorites) and loads the store from disk.
func NewStore(bus *eventbus.Bus, opts Options) (*Store, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}

	appDir := config.AppID
	if opts.DevMode {
		appDir += "-dev"
	}

	dir := filepath.Join(configDir, appDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &Store{
		path: filepath.Join(dir, "favorites.json"),
		bus:  bus,
		data: document{Version: currentVersion, Favorites: []Favorite{}},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads the store from disk. A missing file starts empty; a
// corrupt or unreadable file is treated as empty with a surfaced
// warning rather than failing construction (spec §4.8, §7).
func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.data = document{Version: currentVersion, Favorites: []Favorite{}}
		return nil
	}
	if err != nil {
		s.data = document{Version: currentVersion, Favorites: []Favorite{}}
		s.publishWarning("favorites file unreadable, starting empty: "+err.Error(), err)
		return nil
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		backupPath := s.path + ".corrupt." + time.Now().Format("20060102150405")
		_ = os.WriteFile(backupPath, raw, 0o644)
		s.data = document{Version: currentVersion, Favorites: []Favorite{}}
		s.publishWarning("favorites file corrupted, backed up and reset to empty: "+err.Error(), err)
		return nil
	}

	if doc.Favorites == nil {
		doc.Favorites = []Favorite{}
	}
	s.data = doc
	return nil
}

// save writes the store via write-temp-then-rename so a crash or power
// loss mid-write never leaves a half-written file in place (spec §4.8).
func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) publishWarning(msg string, err error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Kind: eventbus.Warning, Message: msg, Err: err})
}

// List returns every favorite, independent of the caller's subsequent
// mutation of the returned slice (reads by copying, per spec §5).
func (s *Store) List() []Favorite {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Favorite, len(s.data.Favorites))
	copy(out, s.data.Favorites)
	return out
}

// ListByGVK returns the favorites scoped to one GVK.
func (s *Store) ListByGVK(gvk GVKRef) []Favorite {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Favorite
	for _, f := range s.data.Favorites {
		if f.GVK == gvk {
			out = append(out, f)
		}
	}
	return out
}

// Create adds a new favorite and persists the store. name must be
// unique among favorites already saved for the same GVK.
func (s *Store) Create(name string, gvk GVKRef, fields [][]string) (Favorite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.data.Favorites {
		if f.GVK == gvk && f.Name == name {
			return Favorite{}, ErrDuplicateName
		}
	}

	f := Favorite{
		ID:        uuid.New().String(),
		Name:      name,
		GVK:       gvk,
		Fields:    fields,
		CreatedAt: time.Now(),
	}
	s.data.Favorites = append(s.data.Favorites, f)
	if err := s.save(); err != nil {
		s.data.Favorites = s.data.Favorites[:len(s.data.Favorites)-1]
		return Favorite{}, err
	}
	return f, nil
}

// Rename changes a favorite's name in place, rejecting a name collision
// with another favorite already saved for the same GVK.
func (s *Store) Rename(id, newName string) (Favorite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, f := range s.data.Favorites {
		if f.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return Favorite{}, ErrNotFound
	}

	target := s.data.Favorites[idx]
	for _, f := range s.data.Favorites {
		if f.GVK == target.GVK && f.Name == newName && f.ID != id {
			return Favorite{}, ErrDuplicateName
		}
	}

	old := target.Name
	s.data.Favorites[idx].Name = newName
	if err := s.save(); err != nil {
		s.data.Favorites[idx].Name = old
		return Favorite{}, err
	}
	return s.data.Favorites[idx], nil
}

// Delete removes a favorite by ID and persists the store.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, f := range s.data.Favorites {
		if f.ID == id {
			removed := f
			idx := i
			s.data.Favorites = append(s.data.Favorites[:i], s.data.Favorites[i+1:]...)
			if err := s.save(); err != nil {
				s.data.Favorites = append(s.data.Favorites[:idx], append([]Favorite{removed}, s.data.Favorites[idx:]...)...)
				return err
			}
			return nil
		}
	}
	return ErrNotFound
}

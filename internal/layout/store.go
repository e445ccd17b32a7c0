package layout

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Load and Delete for unknown layout names.
var ErrNotFound = errors.New("layout not found")

// Store keeps layouts as <name>.json files under a single directory.
type Store struct {
	dir string
}

// NewStore opens (and if needed creates) the layout directory, seeding a
// default layout when the store is empty.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create layouts directory %s", dir)
	}
	s := &Store{dir: dir}

	names, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		if err := s.Save(Default()); err != nil {
			return nil, errors.Wrap(err, "seed default layout")
		}
		log.Printf("layout: created default layout in %s", dir)
	}
	return s, nil
}

// List returns the stored layout names, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "read layouts directory")
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Load reads one layout by name. The stored name wins over the filename.
func (s *Store) Load(name string) (Layout, error) {
	path, err := s.path(name)
	if err != nil {
		return Layout{}, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Layout{}, ErrNotFound
	}
	if err != nil {
		return Layout{}, errors.Wrapf(err, "read layout %s", name)
	}
	var l Layout
	if err := json.Unmarshal(data, &l); err != nil {
		return Layout{}, errors.Wrapf(err, "decode layout %s", name)
	}
	if l.Name == "" {
		l.Name = name
	}
	if l.Version == 0 {
		l.Version = 1
	}
	return l, nil
}

// Save writes one layout, replacing any previous file of the same name.
func (s *Store) Save(l Layout) error {
	if strings.TrimSpace(l.Name) == "" {
		return errors.New("layout name must not be empty")
	}
	path, err := s.path(l.Name)
	if err != nil {
		return err
	}
	if l.Version == 0 {
		l.Version = 1
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode layout %s", l.Name)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write layout %s", l.Name)
	}
	return nil
}

// Delete removes one layout. Deleting an unknown name returns ErrNotFound.
func (s *Store) Delete(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); os.IsNotExist(err) {
		return ErrNotFound
	} else if err != nil {
		return errors.Wrapf(err, "delete layout %s", name)
	}
	return nil
}

// Exists reports whether a layout with the given name is stored.
func (s *Store) Exists(name string) bool {
	path, err := s.path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Dir returns the backing directory, for watchers.
func (s *Store) Dir() string { return s.dir }

// path validates the name against traversal and maps it to a file path.
func (s *Store) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", errors.Errorf("invalid layout name %q", name)
	}
	return filepath.Join(s.dir, name+".json"), nil
}

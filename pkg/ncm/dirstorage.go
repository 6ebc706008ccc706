package ncm

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DirStorage is a ContentStorage over a host directory tree:
// placeholders under <root>/placehld, registered contents under
// <root>/registered, named by hex id. Register is a rename, which is
// atomic on a single filesystem.
type DirStorage struct {
	mu   sync.Mutex
	root string
}

func NewDirStorage(root string) (*DirStorage, error) {
	for _, dir := range []string{"placehld", "registered"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, err
		}
	}
	return &DirStorage{root: root}, nil
}

func (s *DirStorage) placeholderPath(id PlaceHolderId) string {
	return filepath.Join(s.root, "placehld", id.String()+".nca")
}

func (s *DirStorage) contentPath(id ContentId) string {
	return filepath.Join(s.root, "registered", id.String()+".nca")
}

// ContentPath returns the path of a registered content.
func (s *DirStorage) ContentPath(id ContentId) string {
	return s.contentPath(id)
}

func (s *DirStorage) GeneratePlaceHolderId() (PlaceHolderId, error) {
	var id PlaceHolderId
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

func (s *DirStorage) CreatePlaceHolder(contentId ContentId, placeholderId PlaceHolderId, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Create(s.placeholderPath(placeholderId))
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

func (s *DirStorage) SetPlaceHolderSize(placeholderId PlaceHolderId, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.Truncate(s.placeholderPath(placeholderId), size)
}

func (s *DirStorage) WritePlaceHolder(placeholderId PlaceHolderId, offset int64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.placeholderPath(placeholderId), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(buf, offset)
	return err
}

func (s *DirStorage) FlushPlaceHolder() error {
	return nil
}

func (s *DirStorage) GetPlaceHolderPath(placeholderId PlaceHolderId) (string, error) {
	path := s.placeholderPath(placeholderId)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

func (s *DirStorage) DeletePlaceHolder(placeholderId PlaceHolderId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.placeholderPath(placeholderId))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *DirStorage) Register(contentId ContentId, placeholderId PlaceHolderId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.placeholderPath(placeholderId)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return os.Rename(src, s.contentPath(contentId))
}

func (s *DirStorage) Has(contentId ContentId) (bool, error) {
	_, err := os.Stat(s.contentPath(contentId))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *DirStorage) Delete(contentId ContentId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.contentPath(contentId))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// PlaceHolderCount reports how many placeholders currently exist.
func (s *DirStorage) PlaceHolderCount() (int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "placehld"))
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

package ncm

import (
	"sort"
	"sync"
)

// MemoryMetaDb is an in-memory ContentMetaDb. Entries staged with Set
// become visible on Commit, matching the service's transactional
// behaviour.
type MemoryMetaDb struct {
	mu        sync.Mutex
	committed map[ContentMetaKey][]byte
	staged    map[ContentMetaKey][]byte
	removed   map[ContentMetaKey]bool
}

func NewMemoryMetaDb() *MemoryMetaDb {
	return &MemoryMetaDb{
		committed: make(map[ContentMetaKey][]byte),
		staged:    make(map[ContentMetaKey][]byte),
		removed:   make(map[ContentMetaKey]bool),
	}
}

func (db *MemoryMetaDb) Set(key ContentMetaKey, blob []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := make([]byte, len(blob))
	copy(cp, blob)
	db.staged[key] = cp
	delete(db.removed, key)
	return nil
}

func (db *MemoryMetaDb) Remove(key ContentMetaKey) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.staged, key)
	db.removed[key] = true
	return nil
}

func (db *MemoryMetaDb) Commit() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for key := range db.removed {
		delete(db.committed, key)
		delete(db.removed, key)
	}
	for key, blob := range db.staged {
		db.committed[key] = blob
		delete(db.staged, key)
	}
	return nil
}

func (db *MemoryMetaDb) Get(key ContentMetaKey) (ContentMetaHeader, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	blob, ok := db.committed[key]
	if !ok {
		return ContentMetaHeader{}, ErrDbCorruptHeader
	}
	return ParseContentMetaHeader(blob)
}

func (db *MemoryMetaDb) List(metaType uint8, appId, idMin, idMax uint64, installType uint8) ([]ContentMetaKey, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []ContentMetaKey
	for key := range db.committed {
		if key.Type != metaType || key.InstallType != installType {
			continue
		}
		if key.Id < idMin || key.Id > idMax {
			continue
		}
		if appId != 0 && GetAppId(key.Type, key.Id) != appId {
			continue
		}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Id != out[j].Id {
			return out[i].Id < out[j].Id
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (db *MemoryMetaDb) ListContentInfo(key ContentMetaKey) ([]ContentInfo, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	blob, ok := db.committed[key]
	if !ok {
		return nil, ErrDbCorruptInfos
	}
	header, err := ParseContentMetaHeader(blob)
	if err != nil {
		return nil, err
	}

	off := 8 + int(header.ExtendedHeaderSize)
	infos := make([]ContentInfo, 0, header.ContentCount)
	for i := 0; i < int(header.ContentCount); i++ {
		info, err := ParseContentInfo(blob[off:])
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
		off += ContentInfoSize
	}
	return infos, nil
}

// Keys returns every committed meta key, for tests and inspection.
func (db *MemoryMetaDb) Keys() []ContentMetaKey {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]ContentMetaKey, 0, len(db.committed))
	for key := range db.committed {
		out = append(out, key)
	}
	return out
}

// MemoryRecords is an in-memory RecordService.
type MemoryRecords struct {
	mu      sync.Mutex
	records map[uint64][]ContentStorageRecord
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[uint64][]ContentStorageRecord)}
}

// Push installs records for an application. Prior records of the same
// meta type are replaced (a new patch supersedes every older patch);
// records of other types are kept, so base, patch and add-on entries
// coexist under one application id.
func (r *MemoryRecords) Push(appId uint64, records []ContentStorageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pushedTypes := make(map[uint8]bool, len(records))
	for _, record := range records {
		pushedTypes[record.Key.Type] = true
	}

	var kept []ContentStorageRecord
	for _, record := range r.records[appId] {
		if !pushedTypes[record.Key.Type] {
			kept = append(kept, record)
		}
	}
	r.records[appId] = append(kept, records...)
	return nil
}

func (r *MemoryRecords) List(appId uint64) ([]ContentStorageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ContentStorageRecord, len(r.records[appId]))
	copy(out, r.records[appId])
	return out, nil
}

// MemoryLaunchVersions is an in-memory LaunchVersionCache.
type MemoryLaunchVersions struct {
	mu       sync.Mutex
	Versions map[uint64]uint32
}

func NewMemoryLaunchVersions() *MemoryLaunchVersions {
	return &MemoryLaunchVersions{Versions: make(map[uint64]uint32)}
}

func (l *MemoryLaunchVersions) PushLaunchVersion(appId uint64, version uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Versions[appId] = version
	return nil
}

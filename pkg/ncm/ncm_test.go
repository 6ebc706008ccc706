package ncm

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetAppId(t *testing.T) {
	const base = uint64(0x0100AAAABBBB0000)
	require.Equal(t, base, GetAppId(ContentMetaTypeApplication, base))
	require.Equal(t, base, GetAppId(ContentMetaTypePatch, base^0x800))
	require.Equal(t, base, GetAppId(ContentMetaTypeAddOnContent, (base|0x1000)+1))
}

func TestContentInfoSize(t *testing.T) {
	var info ContentInfo
	info.SetSize(0x1_2345_6789)
	require.Equal(t, int64(0x1_2345_6789), info.Size())

	blob := AppendContentInfo(nil, &info)
	require.Len(t, blob, ContentInfoSize)

	got, err := ParseContentInfo(blob)
	require.NoError(t, err)
	require.Equal(t, info, got)
}

func TestContentMetaHeaderRoundTrip(t *testing.T) {
	h := ContentMetaHeader{ExtendedHeaderSize: 0x10, ContentCount: 3, Attributes: 1, StorageId: 0}
	blob := AppendContentMetaHeader(nil, &h)
	got, err := ParseContentMetaHeader(blob)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func metaBlob(t *testing.T, header ContentMetaHeader, ext []byte, infos []ContentInfo) []byte {
	t.Helper()
	blob := AppendContentMetaHeader(nil, &header)
	blob = append(blob, ext...)
	for i := range infos {
		blob = AppendContentInfo(blob, &infos[i])
	}
	return blob
}

func TestMemoryMetaDbCommitSemantics(t *testing.T) {
	db := NewMemoryMetaDb()
	key := ContentMetaKey{Id: 0x100, Version: 0, Type: ContentMetaTypeApplication, InstallType: InstallTypeFull}

	blob := metaBlob(t, ContentMetaHeader{ContentCount: 1}, nil, []ContentInfo{{ContentType: ContentTypeMeta}})
	require.NoError(t, db.Set(key, blob))

	// staged entries are invisible until commit.
	_, err := db.Get(key)
	require.Error(t, err)

	require.NoError(t, db.Commit())
	header, err := db.Get(key)
	require.NoError(t, err)
	require.Equal(t, uint16(1), header.ContentCount)

	infos, err := db.ListContentInfo(key)
	require.NoError(t, err)
	require.Len(t, infos, 1)

	require.NoError(t, db.Remove(key))
	require.NoError(t, db.Commit())
	_, err = db.Get(key)
	require.Error(t, err)
}

func TestMemoryMetaDbListRange(t *testing.T) {
	db := NewMemoryMetaDb()
	appId := uint64(0x0100000000000000)
	patch1 := ContentMetaKey{Id: appId ^ 0x800, Version: 1, Type: ContentMetaTypePatch, InstallType: InstallTypeFull}
	patch2 := ContentMetaKey{Id: appId ^ 0x800, Version: 2, Type: ContentMetaTypePatch, InstallType: InstallTypeFull}
	app := ContentMetaKey{Id: appId, Version: 0, Type: ContentMetaTypeApplication, InstallType: InstallTypeFull}

	blob := metaBlob(t, ContentMetaHeader{}, nil, nil)
	for _, key := range []ContentMetaKey{patch1, patch2, app} {
		require.NoError(t, db.Set(key, blob))
	}
	require.NoError(t, db.Commit())

	keys, err := db.List(ContentMetaTypePatch, appId, 0, ^uint64(0), InstallTypeFull)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	keys, err = db.List(ContentMetaTypeApplication, appId, appId, appId, InstallTypeFull)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, app, keys[0])
}

func TestMemoryRecordsPushReplaces(t *testing.T) {
	r := NewMemoryRecords()
	appId := uint64(42)

	first := []ContentStorageRecord{{Key: ContentMetaKey{Id: 1, Version: 1, Type: ContentMetaTypePatch}, StorageId: StorageIdBuiltInUser}}
	require.NoError(t, r.Push(appId, first))

	second := []ContentStorageRecord{{Key: ContentMetaKey{Id: 1, Version: 2, Type: ContentMetaTypePatch}, StorageId: StorageIdBuiltInUser}}
	require.NoError(t, r.Push(appId, second))

	got, err := r.List(appId)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint32(2), got[0].Key.Version)
}

func TestDirStoragePlaceholderLifecycle(t *testing.T) {
	cs, err := NewDirStorage(t.TempDir())
	require.NoError(t, err)

	placeholderId, err := cs.GeneratePlaceHolderId()
	require.NoError(t, err)
	var contentId ContentId
	contentId[0] = 0xAB

	require.NoError(t, cs.CreatePlaceHolder(contentId, placeholderId, 8))
	require.NoError(t, cs.WritePlaceHolder(placeholderId, 0, []byte("abcd")))
	require.NoError(t, cs.WritePlaceHolder(placeholderId, 4, []byte("efgh")))
	require.NoError(t, cs.SetPlaceHolderSize(placeholderId, 8))

	path, err := cs.GetPlaceHolderPath(placeholderId)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "abcdefgh", string(data))

	count, err := cs.PlaceHolderCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, cs.Register(contentId, placeholderId))
	has, err := cs.Has(contentId)
	require.NoError(t, err)
	require.True(t, has)

	count, err = cs.PlaceHolderCount()
	require.NoError(t, err)
	require.Zero(t, count)

	got, err := os.ReadFile(cs.ContentPath(contentId))
	require.NoError(t, err)
	require.Equal(t, "abcdefgh", string(got))

	require.NoError(t, cs.Delete(contentId))
	has, err = cs.Has(contentId)
	require.NoError(t, err)
	require.False(t, has)

	// deletes are idempotent.
	require.NoError(t, cs.Delete(contentId))
	require.NoError(t, cs.DeletePlaceHolder(placeholderId))
}

func TestDeleteIfExistsAndRegisterReplace(t *testing.T) {
	cs, err := NewDirStorage(t.TempDir())
	require.NoError(t, err)

	var contentId ContentId
	contentId[1] = 0x11

	// absent content is fine.
	require.NoError(t, DeleteIfExists(cs, contentId))

	// first install.
	p1, err := cs.GeneratePlaceHolderId()
	require.NoError(t, err)
	require.NoError(t, cs.CreatePlaceHolder(contentId, p1, 1))
	require.NoError(t, cs.WritePlaceHolder(p1, 0, []byte{1}))
	require.NoError(t, RegisterReplace(cs, contentId, p1))

	// replacing install.
	p2, err := cs.GeneratePlaceHolderId()
	require.NoError(t, err)
	require.NoError(t, cs.CreatePlaceHolder(contentId, p2, 1))
	require.NoError(t, cs.WritePlaceHolder(p2, 0, []byte{2}))
	require.NoError(t, RegisterReplace(cs, contentId, p2))

	data, err := os.ReadFile(cs.ContentPath(contentId))
	require.NoError(t, err)
	require.Equal(t, []byte{2}, data)
}

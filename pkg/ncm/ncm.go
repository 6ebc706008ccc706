package ncm

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
)

// Errors for inconsistent sizes reported by a meta database.
var (
	ErrDbCorruptHeader = errors.New("content meta database returned bad header size")
	ErrDbCorruptInfos  = errors.New("content meta database returned bad info count")
)

// ContentMetaType values.
const (
	ContentMetaTypeUnknown       = 0x00
	ContentMetaTypeSystemProgram = 0x01
	ContentMetaTypeSystemData    = 0x02
	ContentMetaTypeSystemUpdate  = 0x03
	ContentMetaTypeApplication   = 0x80
	ContentMetaTypePatch         = 0x81
	ContentMetaTypeAddOnContent  = 0x82
	ContentMetaTypeDelta         = 0x83
	ContentMetaTypeDataPatch     = 0x84
)

// ContentType values.
const (
	ContentTypeMeta             = 0
	ContentTypeProgram          = 1
	ContentTypeData             = 2
	ContentTypeControl          = 3
	ContentTypeHtmlDocument     = 4
	ContentTypeLegalInformation = 5
	ContentTypeDeltaFragment    = 6
)

// ContentInstallType values.
const (
	InstallTypeFull         = 0
	InstallTypeFragmentOnly = 1
)

// StorageId values.
const (
	StorageIdNone          = 0
	StorageIdHost          = 1
	StorageIdGameCard      = 2
	StorageIdBuiltInSystem = 3
	StorageIdBuiltInUser   = 4
	StorageIdSdCard        = 5
	StorageIdAny           = 6
)

// ContentId is the 16-byte content identifier: the leading half of the
// SHA-256 of the unmodified NCA body.
type ContentId [0x10]byte

// PlaceHolderId identifies an in-progress staging object.
type PlaceHolderId [0x10]byte

// RightsId identifies a ticket; the trailing byte encodes the
// master-key generation.
type RightsId [0x10]byte

func (id ContentId) String() string     { return hex.EncodeToString(id[:]) }
func (id PlaceHolderId) String() string { return hex.EncodeToString(id[:]) }
func (id RightsId) String() string      { return hex.EncodeToString(id[:]) }

func (id RightsId) IsValid() bool {
	return id != RightsId{}
}

// KeyGeneration is the master-key generation carried in the trailing
// byte of a rights id.
func (id RightsId) KeyGeneration() uint8 {
	return id[len(id)-1]
}

// ContentMetaKey identifies one installed meta entry.
type ContentMetaKey struct {
	Id          uint64
	Version     uint32
	Type        uint8
	InstallType uint8
	Padding     [2]byte
}

// ContentMetaHeader is the fixed header stored in front of a meta blob.
type ContentMetaHeader struct {
	ExtendedHeaderSize uint16
	ContentCount       uint16
	ContentMetaCount   uint16
	Attributes         uint8
	StorageId          uint8
}

// PackagedContentMeta is the head of a .cnmt file.
type PackagedContentMeta struct {
	TitleId               uint64
	TitleVersion          uint32
	MetaType              uint8
	Platform              uint8
	MetaHeader            ContentMetaHeader
	InstallType           uint8
	Reserved0             uint8
	RequiredSystemVersion uint32
	Reserved1             [4]byte
}

// ContentInfo describes one content in a meta entry.
type ContentInfo struct {
	ContentId   ContentId
	SizeLow     uint32
	SizeHigh    uint8
	Attr        uint8
	ContentType uint8
	IdOffset    uint8
}

func (c *ContentInfo) Size() int64 {
	return int64(c.SizeLow) | int64(c.SizeHigh)<<32
}

func (c *ContentInfo) SetSize(size int64) {
	c.SizeLow = uint32(size)
	c.SizeHigh = uint8(size >> 32)
}

// PackagedContentInfo is a ContentInfo plus the full content hash, as
// found inside a .cnmt.
type PackagedContentInfo struct {
	Hash [0x20]byte
	Info ContentInfo
}

// Extended headers; only the fields the installer touches are named.
type ApplicationMetaExtendedHeader struct {
	PatchId                    uint64
	RequiredSystemVersion      uint32
	RequiredApplicationVersion uint32
}

type PatchMetaExtendedHeader struct {
	ApplicationId         uint64
	RequiredSystemVersion uint32
	ExtendedDataSize      uint32
}

type AddOnContentMetaExtendedHeader struct {
	ApplicationId              uint64
	RequiredApplicationVersion uint32
	ContentAccessibilities     uint8
	Padding                    [3]byte
	DataPatchId                uint64
}

type DataPatchMetaExtendedHeader struct {
	DataId                     uint64
	ApplicationId              uint64
	RequiredApplicationVersion uint32
	ExtendedDataSize           uint32
}

// ContentStorageRecord ties a meta key to the storage holding it.
type ContentStorageRecord struct {
	Key       ContentMetaKey
	StorageId uint8
	Padding   [7]byte
}

// GetAppId maps a meta entry id onto its owning application id.
func GetAppId(metaType uint8, id uint64) uint64 {
	switch metaType {
	case ContentMetaTypePatch:
		return id ^ 0x800
	case ContentMetaTypeAddOnContent:
		return (id ^ 0x1000) &^ 0xFFF
	default:
		return id
	}
}

// RequiredSystemVersionOffset returns the byte offset of the
// required_system_version field inside the extended header for meta
// types that carry one, or -1.
func RequiredSystemVersionOffset(metaType uint8) int {
	switch metaType {
	case ContentMetaTypeApplication, ContentMetaTypePatch:
		// application id / patch id u64, then the version.
		return 8
	default:
		return -1
	}
}

// ContentStorage is the placeholder/content half of the ncm service.
type ContentStorage interface {
	GeneratePlaceHolderId() (PlaceHolderId, error)
	CreatePlaceHolder(contentId ContentId, placeholderId PlaceHolderId, size int64) error
	SetPlaceHolderSize(placeholderId PlaceHolderId, size int64) error
	WritePlaceHolder(placeholderId PlaceHolderId, offset int64, buf []byte) error
	FlushPlaceHolder() error
	GetPlaceHolderPath(placeholderId PlaceHolderId) (string, error)
	// DeletePlaceHolder is idempotent; deleting an unknown id succeeds.
	DeletePlaceHolder(placeholderId PlaceHolderId) error

	// Register atomically promotes a placeholder to a content.
	Register(contentId ContentId, placeholderId PlaceHolderId) error
	Has(contentId ContentId) (bool, error)
	Delete(contentId ContentId) error
}

// ContentMetaDb is the meta-record half of the ncm service. Set stages
// an entry; Commit makes staged entries visible.
type ContentMetaDb interface {
	Set(key ContentMetaKey, blob []byte) error
	Get(key ContentMetaKey) (ContentMetaHeader, error)
	Remove(key ContentMetaKey) error
	Commit() error
	List(metaType uint8, appId, idMin, idMax uint64, installType uint8) ([]ContentMetaKey, error)
	ListContentInfo(key ContentMetaKey) ([]ContentInfo, error)
}

// RecordService is the application-record surface of the ns service.
// Push replaces the prior records for appId of the meta types it is
// given; records of other meta types are kept.
type RecordService interface {
	Push(appId uint64, records []ContentStorageRecord) error
	List(appId uint64) ([]ContentStorageRecord, error)
}

// LaunchVersionCache models the avm launch-version cache present on
// OS versions >= 6.0.0.
type LaunchVersionCache interface {
	PushLaunchVersion(appId uint64, version uint32) error
}

// DeleteIfExists removes a content if present; absent contents are not
// an error.
func DeleteIfExists(cs ContentStorage, id ContentId) error {
	has, err := cs.Has(id)
	if err != nil {
		return err
	}
	if has {
		return cs.Delete(id)
	}
	return nil
}

// RegisterReplace deletes any prior content under id, then promotes the
// placeholder.
func RegisterReplace(cs ContentStorage, id ContentId, placeholder PlaceHolderId) error {
	if err := DeleteIfExists(cs, id); err != nil {
		return err
	}
	return cs.Register(id, placeholder)
}

// MetaKeySize is the wire size of ContentMetaKey.
const MetaKeySize = 0x10

// ContentInfoSize is the wire size of ContentInfo.
const ContentInfoSize = 0x18

// PackagedContentInfoSize is the wire size of PackagedContentInfo.
const PackagedContentInfoSize = 0x38

// PackagedContentMetaSize is the wire size of PackagedContentMeta.
const PackagedContentMetaSize = 0x20

// AppendContentInfo serialises info in the meta-blob wire layout.
func AppendContentInfo(dst []byte, info *ContentInfo) []byte {
	dst = append(dst, info.ContentId[:]...)
	dst = binary.LittleEndian.AppendUint32(dst, info.SizeLow)
	dst = append(dst, info.SizeHigh, info.Attr, info.ContentType, info.IdOffset)
	return dst
}

// ParseContentInfo is the inverse of AppendContentInfo.
func ParseContentInfo(src []byte) (ContentInfo, error) {
	var info ContentInfo
	if len(src) < ContentInfoSize {
		return info, ErrDbCorruptInfos
	}
	copy(info.ContentId[:], src[:0x10])
	info.SizeLow = binary.LittleEndian.Uint32(src[0x10:])
	info.SizeHigh = src[0x14]
	info.Attr = src[0x15]
	info.ContentType = src[0x16]
	info.IdOffset = src[0x17]
	return info, nil
}

// AppendContentMetaHeader serialises h in the meta-blob wire layout.
func AppendContentMetaHeader(dst []byte, h *ContentMetaHeader) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, h.ExtendedHeaderSize)
	dst = binary.LittleEndian.AppendUint16(dst, h.ContentCount)
	dst = binary.LittleEndian.AppendUint16(dst, h.ContentMetaCount)
	dst = append(dst, h.Attributes, h.StorageId)
	return dst
}

// ParseContentMetaHeader is the inverse of AppendContentMetaHeader.
func ParseContentMetaHeader(src []byte) (ContentMetaHeader, error) {
	var h ContentMetaHeader
	if len(src) < 8 {
		return h, ErrDbCorruptHeader
	}
	h.ExtendedHeaderSize = binary.LittleEndian.Uint16(src[0:])
	h.ContentCount = binary.LittleEndian.Uint16(src[2:])
	h.ContentMetaCount = binary.LittleEndian.Uint16(src[4:])
	h.Attributes = src[6]
	h.StorageId = src[7]
	return h, nil
}

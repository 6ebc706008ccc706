// Package yati installs title containers: it streams each NCA through a
// read → transform → write pipeline into a content-storage placeholder,
// inflating NCZ variants on the fly, then registers the content-meta
// records so the title becomes visible.
//
// NCAs that use title-key encryption can be converted to standard
// crypto during install, which removes the ticket requirement.
package yati

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/falk/yati-go/pkg/es"
	"github.com/falk/yati-go/pkg/keys"
	"github.com/falk/yati-go/pkg/ncm"
)

var (
	ErrNcaNotFound        = errors.New("yati: nca referenced by cnmt not in container")
	ErrTicketNotFound     = errors.New("yati: ticket for rights id not in container")
	ErrCertNotFound       = errors.New("yati: certificate for ticket not in container")
	ErrInvalidNcaReadSize = errors.New("yati: source returned fewer bytes than required")
)

// Config is the full option surface of the installer. Everything is
// opt-in.
type Config struct {
	// SdCardInstall targets the SD card instead of built-in storage.
	SdCardInstall bool

	// AllowDowngrade permits installing a patch / data patch with a
	// lower version than an installed record.
	AllowDowngrade bool

	// SkipIfAlreadyInstalled makes an install of an existing
	// (id, type, version) a no-op.
	SkipIfAlreadyInstalled bool

	// TicketOnly installs tickets and skips every NCA body.
	TicketOnly bool

	// PatchTicket normalises tickets before import (buggy-dump master
	// key revision fix).
	PatchTicket bool

	// Per-type skips.
	SkipBase      bool
	SkipPatch     bool
	SkipAddon     bool
	SkipDataPatch bool
	SkipTicket    bool

	// SkipNcaHashVerify disables the final SHA-256 match.
	SkipNcaHashVerify bool

	// SkipRsaHeaderFixedKeyVerify disables the NCA signature check.
	SkipRsaHeaderFixedKeyVerify bool

	// SkipRsaNpdmFixedKeyVerify is accepted but has no effect: no inner
	// NPDM signature check is performed.
	SkipRsaNpdmFixedKeyVerify bool

	// IgnoreDistributionBit leaves a GameCard distribution type as-is.
	IgnoreDistributionBit bool

	// ConvertToCommonTicket rewraps a personalised ticket as common.
	ConvertToCommonTicket bool

	// ConvertToStandardCrypto embeds the title key into the NCA key
	// area and drops the ticket requirement.
	ConvertToStandardCrypto bool

	// LowerMasterKey re-encrypts the key area with generation 0 so the
	// title launches on any firmware. Implies standard crypto.
	LowerMasterKey bool

	// LowerSystemVersion zeroes required_system_version in the cnmt
	// extended header.
	LowerSystemVersion bool
}

// Progress receives install progress; the UI's progress box sits behind
// this.
type Progress interface {
	NewTransfer(name string)
	UpdateTransfer(done, total int64)
	SetTitle(name string)
}

type nopProgress struct{}

func (nopProgress) NewTransfer(string)          {}
func (nopProgress) UpdateTransfer(int64, int64) {}
func (nopProgress) SetTitle(string)             {}

// StorageSet pairs the content storage and meta database of one
// storage id.
type StorageSet struct {
	CS ncm.ContentStorage
	DB ncm.ContentMetaDb
}

// Services is the explicit service context an install runs against,
// torn down by the caller.
type Services struct {
	// BuiltInUser then SdCard, matching the two storages an install
	// scrubs for superseded entries.
	Storage [2]StorageSet

	Records ncm.RecordService
	// Launch may be nil on OS versions < 6.0.0.
	Launch  ncm.LaunchVersionCache
	Tickets es.TicketService

	Keys *keys.Keys

	// Log defaults to a discard logger; Progress to a no-op sink.
	Log      *logrus.Logger
	Progress Progress
}

func (s *Services) storageIndex(cfg *Config) int {
	if cfg.SdCardInstall {
		return 1
	}
	return 0
}

func (s *Services) storageId(cfg *Config) uint8 {
	if cfg.SdCardInstall {
		return ncm.StorageIdSdCard
	}
	return ncm.StorageIdBuiltInUser
}

func (s *Services) log() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func (s *Services) progress() Progress {
	if s.Progress != nil {
		return s.Progress
	}
	return nopProgress{}
}

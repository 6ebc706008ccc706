package container

import (
	"errors"

	"github.com/falk/yati-go/pkg/source"
)

// ErrNotFound means the source matches no known container format.
var ErrNotFound = errors.New("container: source is neither PFS0 nor HFS0")

// CollectionEntry describes one file inside a container at an absolute
// source offset.
type CollectionEntry struct {
	Name   string
	Offset int64
	Size   int64
}

// Container enumerates the files of a packaged title.
type Container interface {
	GetCollections() ([]CollectionEntry, error)
	Source() source.Source
}

// Probe tries each known container format against the source.
func Probe(src source.Source) (Container, error) {
	if nsp := NewNsp(src); nsp.Validate() == nil {
		return nsp, nil
	}
	if xci := NewXci(src); xci.Validate() == nil {
		return xci, nil
	}
	return nil, ErrNotFound
}

package yati

import (
	"fmt"
	"strings"

	"github.com/falk/yati-go/pkg/container"
	"github.com/falk/yati-go/pkg/keys"
	"github.com/falk/yati-go/pkg/ncm"
	"github.com/falk/yati-go/pkg/source"
)

// NcaCollection is a container entry identified as an NCA, tracked
// through its install.
type NcaCollection struct {
	container.CollectionEntry

	ContentType   uint8
	ContentId     ncm.ContentId
	PlaceholderId ncm.PlaceHolderId

	// Hash of the written stream; must match ContentId unless the
	// header was rewritten.
	Hash [0x20]byte

	// Modified is set on any header rewrite; it gates hash
	// verification, since a rewrite invalidates the name-as-hash
	// invariant.
	Modified bool
}

// CnmtCollection is a meta NCA plus everything its cnmt names.
type CnmtCollection struct {
	NcaCollection

	Ncas []*NcaCollection

	MetaHeader     ncm.ContentMetaHeader
	Key            ncm.ContentMetaKey
	ContentInfo    ncm.ContentInfo
	ExtendedHeader []byte
	Infos          []ncm.PackagedContentInfo
}

// TicketCollection pairs a .tik with its sibling .cert.
type TicketCollection struct {
	RightsId ncm.RightsId
	Ticket   []byte
	Cert     []byte

	// Required is set when an installed NCA references the rights id;
	// cleared again if that NCA is converted to standard crypto.
	Required bool
}

// gatherTickets reads every .tik (and its .cert, which must exist) out
// of the source.
func gatherTickets(src source.Source, collections []container.CollectionEntry) ([]*TicketCollection, error) {
	var out []*TicketCollection
	for _, entry := range collections {
		if !strings.HasSuffix(entry.Name, ".tik") {
			continue
		}

		tik := &TicketCollection{}
		if err := keys.ParseHexKey(tik.RightsId[:], entry.Name); err != nil {
			return nil, fmt.Errorf("ticket %q: %w", entry.Name, err)
		}

		certName := strings.TrimSuffix(entry.Name, ".tik") + ".cert"
		cert, ok := findCollection(collections, certName)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrCertNotFound, certName)
		}

		tik.Ticket = make([]byte, entry.Size)
		if err := readFull(src, tik.Ticket, entry.Offset); err != nil {
			return nil, err
		}
		tik.Cert = make([]byte, cert.Size)
		if err := readFull(src, tik.Cert, cert.Offset); err != nil {
			return nil, err
		}

		out = append(out, tik)
	}
	return out, nil
}

// gatherCnmts picks every meta NCA out of the collections.
func gatherCnmts(collections []container.CollectionEntry) []*CnmtCollection {
	var out []*CnmtCollection
	for _, entry := range collections {
		if !strings.HasSuffix(entry.Name, ".cnmt.nca") && !strings.HasSuffix(entry.Name, ".cnmt.ncz") {
			continue
		}
		out = append(out, &CnmtCollection{
			NcaCollection: NcaCollection{
				CollectionEntry: entry,
				ContentType:     ncm.ContentTypeMeta,
			},
		})
	}
	return out
}

func findCollection(collections []container.CollectionEntry, name string) (container.CollectionEntry, bool) {
	for _, entry := range collections {
		if strings.Contains(entry.Name, name) {
			return entry, true
		}
	}
	return container.CollectionEntry{}, false
}

func findTicket(tickets []*TicketCollection, id ncm.RightsId) *TicketCollection {
	for _, tik := range tickets {
		if tik.RightsId == id {
			return tik
		}
	}
	return nil
}

func readFull(src source.Source, dst []byte, off int64) error {
	n, err := src.Read(dst, off)
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("%w: want %d got %d", ErrInvalidNcaReadSize, len(dst), n)
	}
	return nil
}

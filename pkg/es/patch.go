package es

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/falk/yati-go/pkg/keys"
	"github.com/falk/yati-go/pkg/ncm"
)

// TicketService is the import surface of the es service.
type TicketService interface {
	ImportTicket(ticket, cert []byte) error
}

// PatchTicket normalises a ticket before import: the buggy-dump master
// key revision fix, and (optionally) personalised → common conversion.
// Returns the ticket to import, which may be a fresh common ticket.
func PatchTicket(ticket []byte, k *keys.Keys, convertPersonalised bool) ([]byte, error) {
	data, err := ParseTicket(ticket)
	if err != nil {
		return nil, err
	}

	changed := FixBuggyTicket(data)

	if convertPersonalised && data.TitleKeyType == TitleKeyTypePersonalized {
		titleKey, err := GetTitleKey(data, k)
		if err != nil {
			return nil, err
		}
		return buildCommonTicket(data, titleKey), nil
	}

	if changed {
		out := make([]byte, len(ticket))
		copy(out, ticket)
		if err := WriteTicketData(out, data); err != nil {
			return nil, err
		}
		return out, nil
	}
	return ticket, nil
}

// buildCommonTicket rebuilds the ticket as a common RSA-2048 ticket
// carrying the plain title key. The signature block is zeroed; common
// tickets are not signature-checked on import.
func buildCommonTicket(data *TicketData, titleKey keys.KeyEntry) []byte {
	out := *data
	out.TitleKeyType = TitleKeyTypeCommon
	out.TitleKeyBlock = [0x100]byte{}
	copy(out.TitleKeyBlock[:], titleKey[:])
	out.LicenseType = 0
	out.PropertiesBitfield = 0
	out.DeviceId = 0
	out.AccountId = 0

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(SigTypeRsa2048Sha256))
	buf.Write(make([]byte, 0x100+0x3C)) // signature + pad to 0x140
	binary.Write(&buf, binary.LittleEndian, &out)
	return buf.Bytes()
}

// MemoryTicketService collects imported tickets, keyed by rights id.
type MemoryTicketService struct {
	mu      sync.Mutex
	Tickets map[ncm.RightsId][]byte
	Certs   map[ncm.RightsId][]byte
}

func NewMemoryTicketService() *MemoryTicketService {
	return &MemoryTicketService{
		Tickets: make(map[ncm.RightsId][]byte),
		Certs:   make(map[ncm.RightsId][]byte),
	}
}

func (s *MemoryTicketService) ImportTicket(ticket, cert []byte) error {
	data, err := ParseTicket(ticket)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tik := make([]byte, len(ticket))
	copy(tik, ticket)
	crt := make([]byte, len(cert))
	copy(crt, cert)
	s.Tickets[data.RightsId] = tik
	s.Certs[data.RightsId] = crt
	return nil
}

// Has reports whether a ticket for the rights id has been imported.
func (s *MemoryTicketService) Has(id ncm.RightsId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Tickets[id]
	return ok
}

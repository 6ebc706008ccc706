package yati

import (
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/falk/yati-go/pkg/crypto"
	"github.com/falk/yati-go/pkg/es"
	"github.com/falk/yati-go/pkg/nca"
	"github.com/falk/yati-go/pkg/ncm"
	"github.com/falk/yati-go/pkg/ncz"
)

const (
	readBufferSize   = 4 << 20
	inflateBufferMax = 4 << 20
	ringCapacity     = 4
)

// buffer is one owned chunk moving through the pipeline, tagged with
// its source-relative offset.
type buffer struct {
	data []byte
	off  int64
}

// pipeline runs the three per-NCA tasks. Buffers move through two
// bounded channels; the transform task owns the SHA-256 and all NCZ
// state.
type pipeline struct {
	inst    *installer
	nca     *NcaCollection
	tickets []*TicketCollection

	readCh  chan buffer
	writeCh chan buffer

	// filled by the read task before the first payload buffer is
	// pushed; the channel send orders the access.
	sections    []ncz.Section
	blocks      []ncz.BlockInfo
	blockHeader *ncz.BlockHeader

	// on-storage size; pivots from the collection size to header.size
	// once the transform task has the header.
	writeSize atomic.Int64

	sha hash.Hash
}

func newPipeline(inst *installer, tickets []*TicketCollection, entry *NcaCollection) *pipeline {
	p := &pipeline{
		inst:    inst,
		nca:     entry,
		tickets: tickets,
		readCh:  make(chan buffer, ringCapacity),
		writeCh: make(chan buffer, ringCapacity),
		sha:     sha256.New(),
	}
	p.writeSize.Store(entry.Size)
	return p
}

// run drives the three tasks and blocks until the NCA is fully staged
// in its placeholder.
func (p *pipeline) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readTask(ctx) })
	g.Go(func() error { return p.transformTask(ctx) })
	g.Go(func() error { return p.writeTask(ctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	copy(p.nca.Hash[:], p.sha.Sum(nil))
	return nil
}

// readAt reads from the collection at its source offset; callers keep
// reads within the collection size. Short reads are fatal.
func (p *pipeline) readAt(dst []byte, off int64) error {
	if err := readFull(p.inst.src, dst, p.nca.Offset+off); err != nil {
		return err
	}
	return nil
}

func (p *pipeline) push(ctx context.Context, ch chan<- buffer, b buffer) error {
	select {
	case ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readTask reads the collection monotonically. It also consumes the NCZ
// section and block tables, so the payload the transform task sees
// starts directly at the compressed stream.
func (p *pipeline) readTask(ctx context.Context) error {
	defer close(p.readCh)

	log := p.inst.svc.log()
	off := int64(0)

	// the first read is sized so the NCZ magic is decidable.
	first := min(int64(ncz.SectionOffset), p.nca.Size)
	buf := make([]byte, first)
	if err := p.readAt(buf, 0); err != nil {
		return err
	}
	off += first

	if first == int64(ncz.SectionOffset) &&
		binary.LittleEndian.Uint64(buf[nca.FullHeaderSize:]) == ncz.SectionMagic {
		header, err := ncz.ParseHeader(buf[nca.FullHeaderSize:])
		if err != nil {
			return err
		}
		log.WithField("sections", header.TotalSections).Debug("found ncz")

		raw := make([]byte, int(header.TotalSections)*ncz.SectionSize)
		if err := p.readAt(raw, off); err != nil {
			return err
		}
		off += int64(len(raw))

		if p.sections, err = ncz.ParseSections(raw, header.TotalSections); err != nil {
			return err
		}

		// check for the optional block table. when the probed bytes
		// are not a block header they are the head of the payload.
		var leftover *buffer
		probe := make([]byte, min(int64(ncz.BlockHeaderSize), p.nca.Size-off))
		if err := p.readAt(probe, off); err != nil {
			return err
		}
		if len(probe) == ncz.BlockHeaderSize && binary.LittleEndian.Uint64(probe) == ncz.BlockMagic {
			bh, err := ncz.ParseBlockHeader(probe)
			if err != nil {
				return err
			}
			if err := bh.Validate(); err != nil {
				return err
			}
			off += int64(len(probe))

			sizesRaw := make([]byte, int(bh.TotalBlocks)*4)
			if err := p.readAt(sizesRaw, off); err != nil {
				return err
			}
			off += int64(len(sizesRaw))

			sizes := make([]uint32, bh.TotalBlocks)
			for i := range sizes {
				sizes[i] = binary.LittleEndian.Uint32(sizesRaw[i*4:])
			}
			p.blockHeader = bh
			p.blocks = ncz.BuildBlockInfos(sizes, off)
			log.WithField("blocks", bh.TotalBlocks).Debug("found ncz block table")
		} else {
			leftover = &buffer{data: probe, off: off}
			off += int64(len(probe))
		}

		// raw NCA header region goes through as-is.
		if err := p.push(ctx, p.readCh, buffer{data: buf[:nca.FullHeaderSize], off: 0}); err != nil {
			return err
		}
		if leftover != nil {
			if err := p.push(ctx, p.readCh, *leftover); err != nil {
				return err
			}
		}
	} else {
		if err := p.push(ctx, p.readCh, buffer{data: buf, off: 0}); err != nil {
			return err
		}
	}

	for off < p.nca.Size {
		size := min(int64(readBufferSize), p.nca.Size-off)
		chunk := make([]byte, size)
		if err := p.readAt(chunk, off); err != nil {
			return err
		}
		if err := p.push(ctx, p.readCh, buffer{data: chunk, off: off}); err != nil {
			return err
		}
		off += size
	}
	return nil
}

// writeTask appends buffers to the placeholder in order.
func (p *pipeline) writeTask(ctx context.Context) error {
	progress := p.inst.svc.progress()
	var off int64
	for {
		var b buffer
		var ok bool
		select {
		case b, ok = <-p.writeCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			return nil
		}

		if err := p.inst.cs.WritePlaceHolder(p.nca.PlaceholderId, off, b.data); err != nil {
			return err
		}
		off += int64(len(b.data))
		progress.UpdateTransfer(off, p.writeSize.Load())
	}
}

// transformTask decrypts and (if needed) rewrites the header, inflates
// NCZ payloads and re-encrypts their sections, and feeds the SHA-256.
func (p *pipeline) transformTask(ctx context.Context) error {
	defer close(p.writeCh)

	first, ok, err := p.pop(ctx)
	if err != nil || !ok {
		return err
	}
	if first.off != 0 || len(first.data) < nca.HeaderSize {
		return fmt.Errorf("%w: header buffer", ErrInvalidNcaReadSize)
	}

	if err := p.processHeader(first.data[:nca.HeaderSize]); err != nil {
		return err
	}

	if len(p.sections) != 0 {
		if err := p.transformNcz(ctx, first); err != nil {
			return err
		}
		return p.drain(ctx)
	}

	// plain NCA: forward unchanged, clipped to the on-storage size.
	logical := int64(0)
	b := first
	for {
		data := b.data
		if rem := p.writeSize.Load() - logical; int64(len(data)) > rem {
			data = data[:rem]
		}
		if len(data) > 0 {
			if err := p.pushWrite(ctx, data); err != nil {
				return err
			}
			logical += int64(len(data))
		}
		if logical >= p.writeSize.Load() {
			break
		}

		b, ok, err = p.pop(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: stream ended at %#x of %#x", ErrInvalidNcaReadSize, logical, p.writeSize.Load())
		}
	}
	return p.drain(ctx)
}

// drain discards trailing container padding so the read task can run to
// completion once the on-storage size has been reached.
func (p *pipeline) drain(ctx context.Context) error {
	for {
		_, ok, err := p.pop(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

func (p *pipeline) pop(ctx context.Context) (buffer, bool, error) {
	select {
	case b, ok := <-p.readCh:
		return b, ok, nil
	case <-ctx.Done():
		return buffer{}, false, ctx.Err()
	}
}

func (p *pipeline) pushWrite(ctx context.Context, data []byte) error {
	if !p.inst.cfg.SkipNcaHashVerify {
		p.sha.Write(data)
	}
	return p.push(ctx, p.writeCh, buffer{data: data})
}

// processHeader validates the NCA header in place and applies every
// configured rewrite. data is overwritten with the re-encrypted header
// only when a rewrite changed it.
func (p *pipeline) processHeader(data []byte) error {
	inst := p.inst
	log := inst.svc.log()
	k := inst.svc.Keys

	header, err := nca.DecryptHeader(data, k.HeaderKey[:])
	if err != nil {
		return err
	}
	log.WithField("type", header.ContentType).Debug("nca magic ok")

	if !inst.cfg.SkipRsaHeaderFixedKeyVerify {
		if err := header.VerifyFixedKey(k); err != nil {
			return err
		}
	}

	// the collection size may include container padding; the header
	// carries the true on-storage size.
	p.writeSize.Store(header.Size)
	if err := inst.cs.SetPlaceHolderSize(p.nca.PlaceholderId, header.Size); err != nil {
		return err
	}

	if header.DistributionType == nca.DistributionGameCard && !inst.cfg.IgnoreDistributionBit {
		header.DistributionType = nca.DistributionSystem
		p.nca.Modified = true
	}

	var ticket *TicketCollection
	if header.RightsId.IsValid() {
		if ticket = findTicket(p.tickets, header.RightsId); ticket == nil {
			return fmt.Errorf("%w: %s", ErrTicketNotFound, header.RightsId)
		}
		ticket.Required = true
	}

	if (inst.cfg.ConvertToStandardCrypto && header.RightsId.IsValid()) || inst.cfg.LowerMasterKey {
		p.nca.Modified = true
		var keakGeneration uint8

		if header.RightsId.IsValid() {
			keyGen := header.RightsId.KeyGeneration()
			log.WithField("key_gen", keyGen).Debug("converting to standard crypto")

			tikData, err := es.ParseTicket(ticket.Ticket)
			if err != nil {
				return err
			}
			if tikData.RightsId != header.RightsId {
				return fmt.Errorf("%w: %s vs %s", es.ErrInvalidBadRightsId, tikData.RightsId, header.RightsId)
			}
			if inst.cfg.PatchTicket {
				es.FixBuggyTicket(tikData)
			}

			titleKey, err := es.GetTitleKey(tikData, k)
			if err != nil {
				return err
			}
			if err := es.DecryptTitleKey(&titleKey, keyGen, k); err != nil {
				return err
			}

			for i := range header.KeyArea {
				header.KeyArea[i] = [0x10]byte{}
			}
			copy(header.KeyArea[2][:], titleKey[:])

			keakGeneration = keyGen
			ticket.Required = false
		} else if inst.cfg.LowerMasterKey {
			if err := nca.DecryptKeyArea(k, header); err != nil {
				return err
			}
			keakGeneration = header.Generation()
		}

		if inst.cfg.LowerMasterKey {
			keakGeneration = 0
			header.SetKeyGeneration(0)
		}

		if err := nca.EncryptKeyArea(k, header, keakGeneration); err != nil {
			return err
		}
		header.RightsId = ncm.RightsId{}
	}

	if p.nca.Modified {
		enc, err := header.Encrypt(k.HeaderKey[:])
		if err != nil {
			return err
		}
		copy(data, enc)
	}
	return nil
}

// chunkReader adapts the read channel into the sequential byte stream
// the zstd decoder pulls from.
type chunkReader struct {
	ctx context.Context
	p   *pipeline
	cur []byte
}

func (r *chunkReader) Read(dst []byte) (int, error) {
	for len(r.cur) == 0 {
		b, ok, err := r.p.pop(r.ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, io.EOF
		}
		r.cur = b.data
	}
	n := copy(dst, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}

// transformNcz inflates the compressed payload and re-encrypts each
// section before handing bytes to the write task.
func (p *pipeline) transformNcz(ctx context.Context, first buffer) error {
	// the raw header region is written untouched (header rewrites
	// already happened in place).
	if err := p.pushWrite(ctx, first.data[:nca.FullHeaderSize]); err != nil {
		return err
	}

	enc := &sectionEncrypter{sections: p.sections}
	written := int64(nca.FullHeaderSize)
	inflate := make([]byte, 0, inflateBufferMax*2)

	flush := func(n int) error {
		out := inflate[:n:n]
		if err := enc.crypt(out, written); err != nil {
			return err
		}
		written += int64(n)
		if err := p.pushWrite(ctx, out); err != nil {
			return err
		}
		rest := make([]byte, len(inflate)-n, inflateBufferMax*2)
		copy(rest, inflate[n:])
		inflate = rest
		return nil
	}

	sink := func(chunk []byte) error {
		inflate = append(inflate, chunk...)
		for len(inflate) >= inflateBufferMax {
			if err := flush(inflateBufferMax); err != nil {
				return err
			}
		}
		return nil
	}

	cr := &chunkReader{ctx: ctx, p: p}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return err
	}
	defer dec.Close()

	tmp := make([]byte, 1<<17)
	inflateStream := func(r io.Reader) error {
		if err := dec.Reset(r); err != nil {
			return err
		}
		for {
			n, err := dec.Read(tmp)
			if n > 0 {
				if serr := sink(tmp[:n]); serr != nil {
					return serr
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%w: %v", ncz.ErrZstd, err)
			}
		}
	}

	if p.blockHeader == nil {
		if err := inflateStream(cr); err != nil {
			return err
		}
	} else {
		blockSize := p.blockHeader.BlockSize()
		for i, block := range p.blocks {
			logical := blockSize
			if i == len(p.blocks)-1 {
				logical = p.blockHeader.LastBlockSize()
			}

			if int64(block.Size) < logical {
				if err := inflateStream(io.LimitReader(cr, int64(block.Size))); err != nil {
					return err
				}
			} else {
				// stored literally; blocks can be large, so copy in
				// bounded pieces.
				remain := int64(block.Size)
				for remain > 0 {
					n := min(remain, int64(len(tmp)))
					if _, err := io.ReadFull(cr, tmp[:n]); err != nil {
						return err
					}
					if err := sink(tmp[:n]); err != nil {
						return err
					}
					remain -= n
				}
			}
		}
	}

	// tail flush.
	for len(inflate) > 0 {
		if err := flush(min(len(inflate), inflateBufferMax)); err != nil {
			return err
		}
	}

	if written != p.writeSize.Load() {
		return fmt.Errorf("%w: inflated %#x of %#x", ncz.ErrZstd, written, p.writeSize.Load())
	}
	return nil
}

// sectionEncrypter applies per-section AES-CTR over the inflated
// stream, re-deriving the counter at every section boundary.
type sectionEncrypter struct {
	sections []ncz.Section
	cur      *ncz.Section
	stream   cipher.Stream
}

func (e *sectionEncrypter) crypt(data []byte, written int64) error {
	for off := 0; off < len(data); {
		if e.cur == nil || !e.cur.InRange(uint64(written)) {
			sec, err := ncz.FindSection(e.sections, uint64(written))
			if err != nil {
				return err
			}
			e.cur = sec
			e.stream = nil
			if sec.CryptoType >= nca.EncryptionAesCtr {
				stream, err := crypto.NewCTRStream(sec.Key[:], sec.Counter[:], written)
				if err != nil {
					return err
				}
				e.stream = stream
			}
		}

		end := int64(e.cur.Offset + e.cur.Size)
		chunk := min(end-written, int64(len(data)-off))
		if e.stream != nil {
			e.stream.XORKeyStream(data[off:off+int(chunk)], data[off:off+int(chunk)])
		}
		written += chunk
		off += int(chunk)
	}
	return nil
}

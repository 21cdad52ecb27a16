package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// Demuxer reads transport stream packets from a reader and yields PAT, PMT
// and PES units in stream order.
type Demuxer struct {
	ctx     context.Context
	r       io.Reader
	buf     []byte
	asm     *assembler
	pending []*DemuxerData
	offset  int64 // source offset of the next packet
	eof     bool
	resyncs int
}

// NewDemuxer returns a Demuxer reading from r. The first byte of r is taken
// to be at source offset 0; see Reset.
func NewDemuxer(ctx context.Context, r io.Reader) *Demuxer {
	return &Demuxer{
		ctx: ctx,
		r:   r,
		buf: make([]byte, PacketSize),
		asm: newAssembler(),
	}
}

// Offset returns the source offset of the next packet to be read.
func (d *Demuxer) Offset() int64 { return d.offset }

// Resyncs counts sync losses recovered by scanning for the next sync byte.
func (d *Demuxer) Resyncs() int { return d.resyncs }

// Reset discards buffered units after the caller repositioned the reader to
// offset. Known PMT PIDs are retained, so a stream resumes without waiting
// for the next PAT/PMT pair.
func (d *Demuxer) Reset(offset int64) {
	d.asm.reset()
	d.pending = nil
	d.eof = false
	d.offset = offset
}

// NextData returns the next parsed unit, or io.EOF once all buffered data
// has been returned.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		if len(d.pending) > 0 {
			next := d.pending[0]
			d.pending = d.pending[1:]
			return next, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		pkt, err := d.readPacket()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				for _, ps := range d.asm.drain() {
					d.pending = append(d.pending, d.parseUnit(ps)...)
				}
				continue
			}
			return nil, err
		}
		if unit := d.asm.add(pkt); unit != nil {
			d.pending = d.parseUnit(unit)
		}
	}
}

// readPacket reads one aligned packet, scanning forward to the next sync
// byte when alignment is lost.
func (d *Demuxer) readPacket() (*Packet, error) {
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, err
	}
	for d.buf[0] != syncByte {
		i := bytes.IndexByte(d.buf[1:], syncByte)
		if i < 0 {
			d.offset += PacketSize
			if _, err := io.ReadFull(d.r, d.buf); err != nil {
				return nil, err
			}
			continue
		}
		skip := i + 1
		d.resyncs++
		d.offset += int64(skip)
		copy(d.buf, d.buf[skip:])
		if _, err := io.ReadFull(d.r, d.buf[PacketSize-skip:]); err != nil {
			return nil, err
		}
	}
	off := d.offset
	d.offset += PacketSize
	return parsePacket(d.buf, off)
}

// parseUnit parses one completed unit. Malformed units are dropped.
func (d *Demuxer) parseUnit(packets []*Packet) []*DemuxerData {
	first := packets[0]
	payload := joinPayloads(packets)
	if len(payload) == 0 {
		return nil
	}
	if d.asm.psi.isPSI(first.Header.PID) {
		results, err := parsePSI(payload, first)
		if err != nil && len(results) == 0 {
			return nil
		}
		for _, r := range results {
			if r.PAT == nil {
				continue
			}
			for _, p := range r.PAT.Programs {
				d.asm.psi[p.ProgramMapID] = true
			}
		}
		return results
	}
	if !isPESPayload(payload) {
		return nil
	}
	pes, err := parsePES(payload)
	if err != nil {
		return nil
	}
	return []*DemuxerData{{FirstPacket: first, PES: pes}}
}

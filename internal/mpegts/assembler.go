package mpegts

import "sort"

// pidSet records which PIDs carry PMT sections.
type pidSet map[uint16]bool

func (s pidSet) isPSI(pid uint16) bool { return pid == pidPAT || s[pid] }

// unitBuffer collects the packets of one PID until a unit is complete.
type unitBuffer struct {
	pid     uint16
	psi     pidSet
	packets []*Packet
	synced  bool // a unit start has been seen since the last reset
}

// add buffers p and returns the packets of a completed unit, if any.
func (u *unitBuffer) add(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		u.packets = nil
		u.synced = false
		return nil
	}
	if !p.Header.HasPayload {
		return nil
	}

	if n := len(u.packets); n > 0 && !p.Header.DiscontinuityIndicator {
		prev := u.packets[n-1].Header.ContinuityCounter
		if cc := p.Header.ContinuityCounter; cc != (prev+1)&0x0F {
			if cc == prev {
				return nil // duplicate
			}
			u.packets = nil // lost packets: drop the partial unit
			u.synced = false
		}
	}

	var done []*Packet
	if p.Header.PayloadUnitStartIndicator {
		if len(u.packets) > 0 {
			done = u.packets
		}
		u.packets = nil
		u.synced = true
	}
	if !u.synced {
		return done // continuation of a unit whose start we never saw
	}
	u.packets = append(u.packets, p)

	if done == nil && u.psi.isPSI(u.pid) && sectionsComplete(u.packets) {
		done, u.packets = u.packets, nil
	}
	return done
}

func (u *unitBuffer) flush() []*Packet {
	done := u.packets
	u.packets = nil
	return done
}

// sectionsComplete reports whether the buffered PSI payload holds every
// section it announces.
func sectionsComplete(packets []*Packet) bool {
	payload := joinPayloads(packets)
	if len(payload) < 1 {
		return false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return false
	}
	for off < len(payload) {
		if payload[off] == 0xFF {
			return true
		}
		if off+3 > len(payload) {
			return false
		}
		if payload[off+1]&0x80 == 0 {
			return true
		}
		off += 3 + (int(payload[off+1]&0x0F)<<8 | int(payload[off+2]))
		if off > len(payload) {
			return false
		}
	}
	return true
}

func joinPayloads(packets []*Packet) []byte {
	n := 0
	for _, p := range packets {
		n += len(p.Payload)
	}
	out := make([]byte, 0, n)
	for _, p := range packets {
		out = append(out, p.Payload...)
	}
	return out
}

// assembler routes packets to per-PID unit buffers.
type assembler struct {
	psi  pidSet
	bufs map[uint16]*unitBuffer
}

func newAssembler() *assembler {
	return &assembler{psi: make(pidSet), bufs: make(map[uint16]*unitBuffer)}
}

func (a *assembler) add(p *Packet) []*Packet {
	pid := p.Header.PID
	u, ok := a.bufs[pid]
	if !ok {
		u = &unitBuffer{pid: pid, psi: a.psi}
		a.bufs[pid] = u
	}
	return u.add(p)
}

// drain returns every partial unit, PAT first so that PMT PIDs are known
// when the rest is parsed.
func (a *assembler) drain() [][]*Packet {
	pids := make([]int, 0, len(a.bufs))
	for pid := range a.bufs {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)
	var all [][]*Packet
	for _, pid := range pids {
		if ps := a.bufs[uint16(pid)].flush(); len(ps) > 0 {
			all = append(all, ps)
		}
	}
	return all
}

// reset drops every partial unit but keeps the PMT PID set.
func (a *assembler) reset() {
	a.bufs = make(map[uint16]*unitBuffer)
}

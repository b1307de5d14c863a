package ingest

import (
	"bytes"
	"sync/atomic"
)

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47
	tsNullPID    = 0x1FFF
)

// tsProbe checks the MPEG-TS framing of received bytes. It counts
// packets, bytes skipped to regain sync, and continuity counter gaps per
// PID. observe is called from the receiving goroutine only.
type tsProbe struct {
	carry  [tsPacketSize]byte
	ncarry int
	lastCC map[uint16]uint8

	packets    atomic.Int64
	syncErrors atomic.Int64
	ccErrors   atomic.Int64
}

func newTSProbe() *tsProbe {
	return &tsProbe{lastCC: make(map[uint16]uint8)}
}

func (p *tsProbe) observe(b []byte) {
	if p.ncarry > 0 {
		n := copy(p.carry[p.ncarry:], b)
		p.ncarry += n
		b = b[n:]
		if p.ncarry < tsPacketSize {
			return
		}
		p.ncarry = 0
		p.packet(p.carry[:])
	}

	for len(b) >= tsPacketSize {
		if b[0] != tsSyncByte {
			p.syncErrors.Add(1)
			i := bytes.IndexByte(b[1:], tsSyncByte)
			if i < 0 {
				return
			}
			b = b[i+1:]
			continue
		}
		p.packet(b[:tsPacketSize])
		b = b[tsPacketSize:]
	}
	p.ncarry = copy(p.carry[:], b)
}

func (p *tsProbe) packet(buf []byte) {
	if buf[0] != tsSyncByte {
		p.syncErrors.Add(1)
		return
	}
	p.packets.Add(1)

	pid := uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	if pid == tsNullPID {
		return
	}
	hasAdaptation := buf[3]&0x20 != 0
	hasPayload := buf[3]&0x10 != 0
	cc := buf[3] & 0x0F
	discontinuity := hasAdaptation && buf[4] > 0 && buf[5]&0x80 != 0

	last, seen := p.lastCC[pid]
	p.lastCC[pid] = cc
	if !seen || discontinuity || !hasPayload || cc == last {
		// The counter only advances on payload packets; one duplicate is legal.
		return
	}
	if cc != (last+1)&0x0F {
		p.ccErrors.Add(1)
	}
}

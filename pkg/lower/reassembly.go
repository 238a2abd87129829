package lower

import (
	"context"
	"fmt"
	"math/bits"
	"time"

	"github.com/backkem/btmesh/pkg/mesh"
)

type reassemblyKey struct {
	src     mesh.UnicastAddress
	seqZero uint16
}

// reassembly collects the segments of one inbound message.
type reassembly struct {
	hdr     Header
	seqAuth uint32
	ctl     bool
	// first is AKF|AID for access messages and the opcode for control.
	first    uint8
	szmic    bool
	segN     uint8
	segments [MaxSegN + 1][]byte
	received uint32
	last     time.Time
}

func (r *reassembly) complete() bool {
	return r.received == blockMask(r.segN)
}

func (r *reassembly) data() []byte {
	var out []byte
	for _, s := range r.segments[:r.segN+1] {
		out = append(out, s...)
	}
	return out
}

// completedMessage remembers a delivered message so late duplicates are
// acknowledged again instead of being reassembled twice.
type completedMessage struct {
	seqAuth uint32
	block   uint32
	at      time.Time
}

func (t *Transport) processSegment(ctx context.Context, hdr Header, ctl bool, first uint8, m *Segmented, now time.Time) (*Inbound, error) {
	auth, ok := seqAuth(hdr.Seq, m.SeqZero)
	if !ok {
		return nil, fmt.Errorf("%w: seq %d before seq_zero %d", mesh.ErrInvalidValue, hdr.Seq, m.SeqZero)
	}
	mtu := AccessSegmentSize
	if ctl {
		mtu = ControlSegmentSize
	}
	if m.SegO < m.SegN && len(m.Segment) != mtu {
		return nil, fmt.Errorf("%w: short segment %d of %d", mesh.ErrInvalidLength, m.SegO, m.SegN)
	}

	key := reassemblyKey{src: hdr.Src, seqZero: m.SeqZero}
	if done, ok := t.completed[key]; ok && done.seqAuth == auth {
		return t.acknowledge(ctx, hdr, m.SeqZero, done.block, &Inbound{})
	}

	r, ok := t.reassemblies[key]
	if !ok || r.seqAuth != auth {
		if !ok && len(t.reassemblies) >= t.maxReassemblies {
			t.evictReassembly()
		}
		r = &reassembly{hdr: hdr, seqAuth: auth, ctl: ctl, first: first, szmic: m.SzMIC, segN: m.SegN}
		t.reassemblies[key] = r
		if t.log != nil {
			t.log.Debugf("reassembling %d segments from %s seq_zero %d", m.SegN+1, hdr.Src, m.SeqZero)
		}
	} else if r.segN != m.SegN || r.szmic != m.SzMIC || r.first != first || r.ctl != ctl {
		return nil, fmt.Errorf("%w: src %s seq_zero %d", ErrSegmentMismatch, hdr.Src, m.SeqZero)
	}
	r.segments[m.SegO] = m.Segment
	r.received |= 1 << m.SegO
	r.last = now

	result := &Inbound{}
	if r.complete() {
		delete(t.reassemblies, key)
		t.completed[key] = &completedMessage{seqAuth: auth, block: r.received, at: now}
		if r.ctl {
			result.Control = t.controlMessage(r.hdr, r.first, r.data())
		} else {
			msg, err := t.openAccess(r.hdr, auth, r.first&0x40 != 0, r.first&0x3F, r.szmic, r.data())
			if err != nil {
				return nil, err
			}
			result.Access = msg
		}
	}
	return t.acknowledge(ctx, hdr, m.SeqZero, r.received, result)
}

// acknowledge appends a segment acknowledgement for messages sent to one of
// our unicast addresses.
func (t *Transport) acknowledge(ctx context.Context, hdr Header, seqZero uint16, block uint32, result *Inbound) (*Inbound, error) {
	if !hdr.Dst.IsUnicast() {
		return result, nil
	}
	src, err := mesh.NewUnicastAddress(uint16(hdr.Dst))
	if err != nil {
		return nil, err
	}
	seq, err := t.seq.NextSequence(ctx)
	if err != nil {
		return nil, err
	}
	ttl := t.ackTTL
	if hdr.TTL == 0 {
		ttl = 0
	}
	ack := &SegmentAck{SeqZero: seqZero, BlockAck: block}
	result.Replies = append(result.Replies, &Outbound{
		NetKeyIndex: hdr.NetKeyIndex,
		Seq:         seq,
		Src:         src,
		Dst:         hdr.Src.Address(),
		TTL:         ttl,
		PDU:         ack.Control(),
	})
	if t.log != nil {
		t.log.Tracef("ack %s seq_zero %d block %08x (%d segments)", hdr.Src, seqZero, block, bits.OnesCount32(block))
	}
	return result, nil
}

func (t *Transport) evictReassembly() {
	var (
		victim reassemblyKey
		oldest time.Time
		found  bool
	)
	for key, r := range t.reassemblies {
		if !found || r.last.Before(oldest) {
			victim, oldest, found = key, r.last, true
		}
	}
	if found {
		if t.log != nil {
			t.log.Warnf("dropping reassembly from %s seq_zero %d", victim.src, victim.seqZero)
		}
		delete(t.reassemblies, victim)
	}
}

// expire discards reassemblies that saw no segment for the incomplete
// timeout.
func (t *Transport) expire(now time.Time) {
	for key, r := range t.reassemblies {
		if !now.Before(r.last.Add(t.incompleteTimeout)) {
			if t.log != nil {
				t.log.Debugf("incomplete timeout, src %s seq_zero %d: %d of %d segments",
					key.src, key.seqZero, bits.OnesCount32(r.received), r.segN+1)
			}
			delete(t.reassemblies, key)
		}
	}
	for key, c := range t.completed {
		if !now.Before(c.at.Add(t.incompleteTimeout)) {
			delete(t.completed, key)
		}
	}
}

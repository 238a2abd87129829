package lower

import (
	"context"
	"errors"
	"time"

	"github.com/backkem/btmesh/pkg/mesh"
)

type outboundKey struct {
	dst     mesh.Address
	seqZero uint16
}

// outboundMessage is a segmented message waiting for its acknowledgement.
// Messages to group addresses are never acknowledged; they are simply
// repeated until the attempts run out.
type outboundMessage struct {
	base      Outbound
	segments  []PDU
	acked     uint32
	remaining int
	interval  time.Duration
	next      time.Time
}

func (o *outboundMessage) full() uint32 {
	return blockMask(uint8(len(o.segments) - 1))
}

func (t *Transport) sendSegmented(ctx context.Context, base Outbound, seq uint32, segments []PDU, now time.Time) ([]*Outbound, error) {
	out := make([]*Outbound, 0, len(segments))
	for i, pdu := range segments {
		o := base
		o.PDU = pdu
		if i == 0 {
			o.Seq = seq
		} else {
			next, err := t.seq.NextSequence(ctx)
			if err != nil {
				return nil, err
			}
			o.Seq = next
		}
		out = append(out, &o)
	}

	key := outboundKey{dst: base.Dst, seqZero: seqZeroFor(seq)}
	if t.retransmissions > 0 {
		t.outbound[key] = &outboundMessage{
			base:      base,
			segments:  segments,
			remaining: t.retransmissions,
			interval:  segmentInterval(base.TTL),
			next:      now.Add(segmentInterval(base.TTL)),
		}
	}
	if t.log != nil {
		t.log.Debugf("tx %d segments to %s seq_zero %d", len(segments), base.Dst, key.seqZero)
	}
	return out, nil
}

func (t *Transport) processAck(hdr Header, ack *SegmentAck) {
	key := outboundKey{dst: hdr.Src.Address(), seqZero: ack.SeqZero}
	o, ok := t.outbound[key]
	if !ok {
		return
	}
	if ack.BlockAck == 0 {
		if t.log != nil {
			t.log.Debugf("%s cancelled seq_zero %d", hdr.Src, ack.SeqZero)
		}
		delete(t.outbound, key)
		return
	}
	o.acked |= ack.BlockAck & o.full()
	if o.acked == o.full() {
		if t.log != nil {
			t.log.Debugf("%s acknowledged seq_zero %d", hdr.Src, ack.SeqZero)
		}
		delete(t.outbound, key)
	}
}

// retransmit sends unacknowledged segments of every message whose timer
// expired, each with a fresh sequence number.
func (t *Transport) retransmit(ctx context.Context, now time.Time) ([]*Outbound, error) {
	var (
		out  []*Outbound
		errs []error
	)
	for key, o := range t.outbound {
		if now.Before(o.next) {
			continue
		}
		if o.remaining == 0 {
			if t.log != nil && o.base.Dst.IsUnicast() {
				t.log.Warnf("segmented message to %s seq_zero %d not acknowledged", o.base.Dst, key.seqZero)
			}
			delete(t.outbound, key)
			continue
		}
		for i, pdu := range o.segments {
			if o.acked&(1<<i) != 0 {
				continue
			}
			seq, err := t.seq.NextSequence(ctx)
			if err != nil {
				errs = append(errs, err)
				break
			}
			r := o.base
			r.Seq = seq
			r.PDU = pdu
			out = append(out, &r)
		}
		o.remaining--
		o.next = now.Add(o.interval)
	}
	return out, errors.Join(errs...)
}

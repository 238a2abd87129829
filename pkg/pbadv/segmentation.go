package pbadv

import (
	"fmt"

	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/provisioning"
)

// Segment splits an encoded provisioning PDU into a TransactionStart and as
// many TransactionContinuations as needed.
func Segment(pdu []byte) ([]GenericPDU, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("%w: empty provisioning pdu", mesh.ErrInvalidLength)
	}
	segN := segmentCount(len(pdu)) - 1
	if segN > maxSegN || len(pdu) > 0xFFFF {
		return nil, ErrPDUTooLarge
	}

	first := min(len(pdu), TransactionStartMTU)
	out := make([]GenericPDU, 0, segN+1)
	out = append(out, &TransactionStart{
		SegN:        uint8(segN),
		TotalLength: uint16(len(pdu)),
		FCS:         FCS(pdu),
		Data:        append([]byte(nil), pdu[:first]...),
	})
	for i, off := 1, first; off < len(pdu); i++ {
		end := min(off+TransactionContinuationMTU, len(pdu))
		out = append(out, &TransactionContinuation{
			SegmentIndex: uint8(i),
			Data:         append([]byte(nil), pdu[off:end]...),
		})
		off = end
	}
	return out, nil
}

func segmentCount(length int) int {
	if length <= TransactionStartMTU {
		return 1
	}
	rest := length - TransactionStartMTU
	return 1 + (rest+TransactionContinuationMTU-1)/TransactionContinuationMTU
}

// reassembly collects the segments of one inbound transaction. Continuations
// may arrive before the TransactionStart.
type reassembly struct {
	start    *TransactionStart
	segments map[uint8][]byte
}

func newReassembly() *reassembly {
	return &reassembly{segments: make(map[uint8][]byte)}
}

// add stores a segment and returns the decoded provisioning PDU once every
// segment 0..SegN is present.
func (r *reassembly) add(pdu GenericPDU) (provisioning.PDU, error) {
	switch p := pdu.(type) {
	case *TransactionStart:
		if r.start == nil {
			r.start = p
			r.segments[0] = p.Data
		}
	case *TransactionContinuation:
		if r.start != nil && p.SegmentIndex > r.start.SegN {
			return nil, fmt.Errorf("%w: %d > %d", ErrSegmentOutOfRange, p.SegmentIndex, r.start.SegN)
		}
		if _, ok := r.segments[p.SegmentIndex]; !ok {
			r.segments[p.SegmentIndex] = p.Data
		}
	default:
		return nil, fmt.Errorf("%w: %T is not a transaction segment", mesh.ErrInvalidPDUFormat, pdu)
	}
	if !r.complete() {
		return nil, nil
	}

	data := make([]byte, 0, r.start.TotalLength)
	for i := uint8(0); i <= r.start.SegN; i++ {
		data = append(data, r.segments[i]...)
	}
	if len(data) != int(r.start.TotalLength) {
		return nil, fmt.Errorf("%w: transaction %d of %d octets", mesh.ErrInvalidLength, len(data), r.start.TotalLength)
	}
	if !CheckFCS(data, r.start.FCS) {
		return nil, ErrFCSMismatch
	}
	return provisioning.Decode(data)
}

func (r *reassembly) complete() bool {
	if r.start == nil {
		return false
	}
	for i := uint8(0); i <= r.start.SegN; i++ {
		if _, ok := r.segments[i]; !ok {
			return false
		}
	}
	return true
}

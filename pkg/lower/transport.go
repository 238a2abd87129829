// Package lower implements the mesh lower transport layer together with the
// upper transport encryption it needs: framing access and control messages
// into unsegmented or segmented PDUs, reassembly with acknowledgement, and
// retransmission of unacknowledged segments.
//
// A Transport is not safe for concurrent use. The node drives it from a
// single goroutine and supplies the current time to every call.
package lower

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/btmesh/pkg/config"
	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/mesh"
)

// Defaults.
const (
	// DefaultIncompleteTimeout discards a reassembly that received no new
	// segment for this long (Mesh Profile Section 3.5.3.4).
	DefaultIncompleteTimeout = 10 * time.Second
	// DefaultSegmentRetransmissions is how often unacknowledged segments
	// are sent again.
	DefaultSegmentRetransmissions = 2
	// DefaultTTL is used for segment acknowledgements.
	DefaultTTL = 7
	// DefaultMaxReassemblies bounds concurrent inbound reassemblies.
	DefaultMaxReassemblies = 8

	segmentTimerBase   = 200 * time.Millisecond
	segmentTimerPerHop = 50 * time.Millisecond
)

// Keys provides the transport keys. config.Manager implements it.
type Keys interface {
	IVIndex() (uint32, error)
	DeviceKey() ([]byte, error)
	AppKey(index uint16) (config.AppKeyDetails, bool)
	FindAppKeysByAID(aid uint8) []config.AppKeyDetails
	IsLocalUnicast(addr mesh.Address) bool
}

// Sequencer hands out sequence numbers. config.Manager implements it.
type Sequencer interface {
	NextSequence(ctx context.Context) (uint32, error)
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	// Keys is required.
	Keys Keys

	// Sequence is required.
	Sequence Sequencer

	// Crypto defaults to crypto.Default.
	Crypto crypto.Provider

	// IncompleteTimeout defaults to DefaultIncompleteTimeout.
	IncompleteTimeout time.Duration

	// SegmentRetransmissions defaults to DefaultSegmentRetransmissions.
	// Negative disables retransmission.
	SegmentRetransmissions int

	// AckTTL defaults to DefaultTTL.
	AckTTL uint8

	// MaxReassemblies defaults to DefaultMaxReassemblies.
	MaxReassemblies int

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Transport is the lower transport layer of one node.
type Transport struct {
	keys              Keys
	seq               Sequencer
	crypto            crypto.Provider
	incompleteTimeout time.Duration
	retransmissions   int
	ackTTL            uint8
	maxReassemblies   int
	log               logging.LeveledLogger

	reassemblies map[reassemblyKey]*reassembly
	completed    map[reassemblyKey]*completedMessage
	outbound     map[outboundKey]*outboundMessage
}

// NewTransport creates the layer.
func NewTransport(config TransportConfig) (*Transport, error) {
	if config.Keys == nil || config.Sequence == nil {
		return nil, mesh.ErrKeyInitialization
	}
	t := &Transport{
		keys:              config.Keys,
		seq:               config.Sequence,
		crypto:            config.Crypto,
		incompleteTimeout: config.IncompleteTimeout,
		retransmissions:   config.SegmentRetransmissions,
		ackTTL:            config.AckTTL,
		maxReassemblies:   config.MaxReassemblies,
		reassemblies:      make(map[reassemblyKey]*reassembly),
		completed:         make(map[reassemblyKey]*completedMessage),
		outbound:          make(map[outboundKey]*outboundMessage),
	}
	if t.crypto == nil {
		t.crypto = crypto.Default
	}
	if t.incompleteTimeout <= 0 {
		t.incompleteTimeout = DefaultIncompleteTimeout
	}
	if t.retransmissions == 0 {
		t.retransmissions = DefaultSegmentRetransmissions
	} else if t.retransmissions < 0 {
		t.retransmissions = 0
	}
	if t.ackTTL == 0 {
		t.ackTTL = DefaultTTL
	}
	if t.maxReassemblies <= 0 {
		t.maxReassemblies = DefaultMaxReassemblies
	}
	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("lower")
	}
	return t, nil
}

// ProcessInbound handles one authenticated lower transport PDU. Completed
// messages are returned in the result together with any segment
// acknowledgements to send.
func (t *Transport) ProcessInbound(ctx context.Context, hdr Header, pdu PDU, now time.Time) (*Inbound, error) {
	switch p := pdu.(type) {
	case *Access:
		switch m := p.Message.(type) {
		case *Unsegmented:
			msg, err := t.openAccess(hdr, hdr.Seq, p.AKF, p.AID, false, m.Data)
			if err != nil {
				return nil, err
			}
			return &Inbound{Access: msg}, nil
		case *Segmented:
			first := p.AID
			if p.AKF {
				first |= 0x40
			}
			return t.processSegment(ctx, hdr, false, first, m, now)
		}
	case *Control:
		switch m := p.Message.(type) {
		case *Unsegmented:
			if p.Opcode == OpcodeSegmentAck {
				ack, err := ParseSegmentAck(p)
				if err != nil {
					return nil, err
				}
				t.processAck(hdr, ack)
				return &Inbound{}, nil
			}
			return &Inbound{Control: t.controlMessage(hdr, p.Opcode, m.Data)}, nil
		case *Segmented:
			return t.processSegment(ctx, hdr, true, p.Opcode, m, now)
		}
	}
	return nil, fmt.Errorf("%w: lower transport %T", mesh.ErrInvalidPDUFormat, pdu)
}

func (t *Transport) controlMessage(hdr Header, opcode uint8, params []byte) *ControlMessage {
	return &ControlMessage{
		Src:         hdr.Src,
		Dst:         hdr.Dst,
		TTL:         hdr.TTL,
		NetKeyIndex: hdr.NetKeyIndex,
		IVIndex:     hdr.IVIndex,
		Opcode:      opcode,
		Params:      params,
	}
}

// openAccess decrypts an upper transport access PDU. AKF=0 messages use the
// device key and must be addressed to a local element; AKF=1 messages are
// tried against every application key bound to the network whose AID matches.
func (t *Transport) openAccess(hdr Header, seqAuth uint32, akf bool, aid uint8, szmic bool, sealed []byte) (*AccessMessage, error) {
	micSize := transMICSize(szmic)
	if len(sealed) <= micSize {
		return nil, fmt.Errorf("%w: upper transport pdu of %d", mesh.ErrInvalidLength, len(sealed))
	}
	msg := &AccessMessage{
		Src:         hdr.Src,
		Dst:         hdr.Dst,
		TTL:         hdr.TTL,
		NetKeyIndex: hdr.NetKeyIndex,
		SzMIC:       szmic,
		IVIndex:     hdr.IVIndex,
		SeqAuth:     seqAuth,
	}

	if !akf {
		if !t.keys.IsLocalUnicast(hdr.Dst) {
			return nil, fmt.Errorf("%w: %s", ErrNotLocal, hdr.Dst)
		}
		key, err := t.keys.DeviceKey()
		if err != nil {
			return nil, err
		}
		nonce := crypto.DeviceNonce(szmic, seqAuth, uint16(hdr.Src), uint16(hdr.Dst), hdr.IVIndex)
		plain, err := t.crypto.AESCCMDecrypt(key, nonce, sealed, nil, micSize)
		if err != nil {
			return nil, mesh.NewCryptoError("device key transmic", err)
		}
		msg.DeviceKey = true
		msg.Payload = plain
		return msg, nil
	}

	if hdr.Dst.IsVirtual() {
		return nil, fmt.Errorf("%w: %s", ErrVirtualDestination, hdr.Dst)
	}
	nonce := crypto.ApplicationNonce(szmic, seqAuth, uint16(hdr.Src), uint16(hdr.Dst), hdr.IVIndex)
	for _, key := range t.keys.FindAppKeysByAID(aid) {
		if key.NetKeyIndex != hdr.NetKeyIndex {
			continue
		}
		plain, err := t.crypto.AESCCMDecrypt(key.Key[:], nonce, sealed, nil, micSize)
		if err != nil {
			continue
		}
		msg.AppKeyIndex = key.AppKeyIndex
		msg.Payload = plain
		return msg, nil
	}
	return nil, mesh.NewCryptoError("application key transmic", ErrNoAppKey)
}

// Send encrypts msg and frames it into lower transport PDUs. Messages that
// fit 15 octets with their TransMIC go out unsegmented; longer ones are cut
// into 12-octet segments, the first using the sequence number the message
// was encrypted with and every later one a fresh number. Segmented messages
// are kept for retransmission until acknowledged.
func (t *Transport) Send(ctx context.Context, msg *AccessMessage, now time.Time) ([]*Outbound, error) {
	if len(msg.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty access payload", mesh.ErrInvalidLength)
	}
	if msg.Dst.IsUnassigned() || msg.Dst.IsVirtual() {
		return nil, fmt.Errorf("%w: destination %s", mesh.ErrInvalidValue, msg.Dst)
	}
	ivIndex, err := t.keys.IVIndex()
	if err != nil {
		return nil, err
	}

	var (
		key    []byte
		akf    bool
		aid    uint8
		netIdx = msg.NetKeyIndex
	)
	if msg.DeviceKey {
		if key, err = t.keys.DeviceKey(); err != nil {
			return nil, err
		}
	} else {
		app, ok := t.keys.AppKey(msg.AppKeyIndex)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownAppKeyIndex, msg.AppKeyIndex)
		}
		key, akf, aid, netIdx = app.Key[:], true, app.AID, app.NetKeyIndex
	}

	segmented := len(msg.Payload)+SmallTransMICSize > MaxUnsegmentedAccess
	szmic := segmented && msg.SzMIC
	micSize := transMICSize(szmic)
	if segmented && segmentCount(len(msg.Payload)+micSize, AccessSegmentSize) > MaxSegN+1 {
		return nil, fmt.Errorf("%w: access payload of %d", ErrMessageTooLarge, len(msg.Payload))
	}

	seq, err := t.seq.NextSequence(ctx)
	if err != nil {
		return nil, err
	}
	var nonce []byte
	if msg.DeviceKey {
		nonce = crypto.DeviceNonce(szmic, seq, uint16(msg.Src), uint16(msg.Dst), ivIndex)
	} else {
		nonce = crypto.ApplicationNonce(szmic, seq, uint16(msg.Src), uint16(msg.Dst), ivIndex)
	}
	sealed, err := t.crypto.AESCCMEncrypt(key, nonce, msg.Payload, nil, micSize)
	if err != nil {
		return nil, mesh.NewCryptoError("outbound transmic", err)
	}

	base := Outbound{NetKeyIndex: netIdx, Src: msg.Src, Dst: msg.Dst, TTL: msg.TTL}
	if !segmented {
		out := base
		out.Seq = seq
		out.PDU = &Access{AKF: akf, AID: aid, Message: &Unsegmented{Data: sealed}}
		return []*Outbound{&out}, nil
	}

	chunks := split(sealed, AccessSegmentSize)
	segN := uint8(len(chunks) - 1)
	pdus := make([]PDU, len(chunks))
	for i, chunk := range chunks {
		pdus[i] = &Access{AKF: akf, AID: aid, Message: &Segmented{
			SzMIC:   szmic,
			SeqZero: seqZeroFor(seq),
			SegO:    uint8(i),
			SegN:    segN,
			Segment: chunk,
		}}
	}
	return t.sendSegmented(ctx, base, seq, pdus, now)
}

// SendControl frames a control message. Parameters longer than 11 octets
// are segmented into 8-octet segments.
func (t *Transport) SendControl(ctx context.Context, msg *ControlMessage, now time.Time) ([]*Outbound, error) {
	if msg.Opcode == OpcodeSegmentAck || msg.Opcode > 0x7F {
		return nil, fmt.Errorf("%w: control opcode %#x", mesh.ErrInvalidValue, msg.Opcode)
	}
	if segmentCount(len(msg.Params), ControlSegmentSize) > MaxSegN+1 {
		return nil, fmt.Errorf("%w: control parameters of %d", ErrMessageTooLarge, len(msg.Params))
	}
	seq, err := t.seq.NextSequence(ctx)
	if err != nil {
		return nil, err
	}
	base := Outbound{NetKeyIndex: msg.NetKeyIndex, Src: msg.Src, Dst: msg.Dst, TTL: msg.TTL}
	if len(msg.Params) <= MaxUnsegmentedControl {
		out := base
		out.Seq = seq
		out.PDU = &Control{Opcode: msg.Opcode, Message: &Unsegmented{Data: clone(msg.Params)}}
		return []*Outbound{&out}, nil
	}

	chunks := split(msg.Params, ControlSegmentSize)
	segN := uint8(len(chunks) - 1)
	pdus := make([]PDU, len(chunks))
	for i, chunk := range chunks {
		pdus[i] = &Control{Opcode: msg.Opcode, Message: &Segmented{
			SeqZero: seqZeroFor(seq),
			SegO:    uint8(i),
			SegN:    segN,
			Segment: chunk,
		}}
	}
	return t.sendSegmented(ctx, base, seq, pdus, now)
}

func segmentCount(length, size int) int {
	return (length + size - 1) / size
}

func split(data []byte, size int) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		out = append(out, clone(data[:n]))
		data = data[n:]
	}
	return out
}

// NextDeadline returns the earliest time Tick has work to do.
func (t *Transport) NextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	consider := func(at time.Time) {
		if !found || at.Before(next) {
			next, found = at, true
		}
	}
	for _, r := range t.reassemblies {
		consider(r.last.Add(t.incompleteTimeout))
	}
	for _, c := range t.completed {
		consider(c.at.Add(t.incompleteTimeout))
	}
	for _, o := range t.outbound {
		consider(o.next)
	}
	return next, found
}

// Tick expires stale reassemblies and returns segments due for retransmission.
func (t *Transport) Tick(ctx context.Context, now time.Time) ([]*Outbound, error) {
	t.expire(now)
	return t.retransmit(ctx, now)
}

// Pending returns the number of segmented messages awaiting acknowledgement.
func (t *Transport) Pending() int { return len(t.outbound) }

// Reassembling returns the number of partial inbound messages.
func (t *Transport) Reassembling() int { return len(t.reassemblies) }

// segmentInterval is the segment transmission timer for ttl
// (Mesh Profile Section 3.5.3.3).
func segmentInterval(ttl uint8) time.Duration {
	return segmentTimerBase + time.Duration(ttl)*segmentTimerPerHop
}

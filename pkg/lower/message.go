package lower

import (
	"github.com/backkem/btmesh/pkg/mesh"
)

// TransMIC sizes.
const (
	SmallTransMICSize = 4
	LargeTransMICSize = 8
)

// Header is the network layer context of a lower transport PDU.
type Header struct {
	// NetKeyIndex is the network key the PDU was authenticated with.
	NetKeyIndex uint16
	IVIndex     uint32
	TTL         uint8
	Seq         uint32
	Src         mesh.UnicastAddress
	Dst         mesh.Address
}

// AccessMessage is an upper transport access message: the access payload
// together with the keys and addresses protecting it.
type AccessMessage struct {
	Src mesh.UnicastAddress
	Dst mesh.Address
	TTL uint8

	// NetKeyIndex is the network the message travels on. For application
	// key messages it is taken from the key binding on send.
	NetKeyIndex uint16

	// DeviceKey selects the device key; otherwise AppKeyIndex does.
	DeviceKey   bool
	AppKeyIndex uint16

	// SzMIC requests a 64-bit TransMIC when the message is segmented.
	SzMIC bool

	// IVIndex and SeqAuth are set on received messages.
	IVIndex uint32
	SeqAuth uint32

	Payload []byte
}

// ControlMessage is an upper transport control message.
type ControlMessage struct {
	Src         mesh.UnicastAddress
	Dst         mesh.Address
	TTL         uint8
	NetKeyIndex uint16
	IVIndex     uint32
	Opcode      uint8
	Params      []byte
}

// Outbound is a lower transport PDU ready for the network layer.
type Outbound struct {
	NetKeyIndex uint16
	Seq         uint32
	Src         mesh.UnicastAddress
	Dst         mesh.Address
	TTL         uint8
	PDU         PDU
}

// Inbound is the outcome of one received lower transport PDU.
type Inbound struct {
	// Access is set when an access message was completed.
	Access *AccessMessage
	// Control is set when a control message other than a segment
	// acknowledgement was completed.
	Control *ControlMessage
	// Replies holds segment acknowledgements to send.
	Replies []*Outbound
}

// seqZeroFor returns the SeqZero of a message whose first segment uses seq.
func seqZeroFor(seq uint32) uint16 {
	return uint16(seq & seqZeroMask)
}

// seqAuth recovers the sequence number of the first segment from the
// sequence number of any later segment and the 13-bit SeqZero.
func seqAuth(seq uint32, seqZero uint16) (uint32, bool) {
	delta := (seq - uint32(seqZero)) & seqZeroMask
	if delta > seq {
		return 0, false
	}
	return seq - delta, true
}

// blockMask has one bit for each of segN+1 segments.
func blockMask(segN uint8) uint32 {
	return uint32(uint64(1)<<(uint64(segN)+1) - 1)
}

func transMICSize(szmic bool) int {
	if szmic {
		return LargeTransMICSize
	}
	return SmallTransMICSize
}

// Package node hosts a Bluetooth mesh node. It wires an advertising bearer
// to PB-ADV and provisioning while the node is unprovisioned, and to the
// network and lower transport layers once it is provisioned.
//
// Every layer is driven from a single goroutine; bearer input, API calls and
// timers are serialized through it.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/deadline"

	"github.com/backkem/btmesh/pkg/bearer"
	"github.com/backkem/btmesh/pkg/config"
	"github.com/backkem/btmesh/pkg/foundation"
	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/network"
	"github.com/backkem/btmesh/pkg/pbadv"
	"github.com/backkem/btmesh/pkg/provisioning"
)

// AccessHandler receives completed access messages. It runs on its own
// goroutine and may call back into the node.
type AccessHandler func(msg *lower.AccessMessage)

// Node is a Bluetooth mesh node.
type Node struct {
	config  NodeConfig
	manager *config.Manager
	log     logging.LeveledLogger

	mu       sync.RWMutex
	state    State
	onAccess AccessHandler

	ctx      context.Context
	cancel   context.CancelFunc
	inbox    chan func()
	access   chan *lower.AccessMessage
	timer    *deadline.Deadline
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the loop goroutine.
	provisionable   *provisioning.Provisionable
	foundation      *foundation.Server
	pb              *pbadv.Bearer
	auth            *network.Authentication
	replay          *network.ReplayCache
	transmit        *network.Transmit
	transport       *lower.Transport
	linkDeadline    time.Time
	nextTransaction time.Time
	nextBeacon      time.Time
}

// New creates a node. The configuration manager must already be
// initialized.
func New(config NodeConfig) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	n := &Node{
		config:  config,
		manager: config.Manager,
		state:   StateInitialized,
		inbox:   make(chan func(), DefaultInboxSize),
		access:  make(chan *lower.AccessMessage, DefaultInboxSize),
		timer:   deadline.New(),
		done:    make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		n.log = config.LoggerFactory.NewLogger("node")
	}

	provisionable, err := provisioning.NewProvisionable(provisioning.ProvisionableConfig{
		Capabilities:  config.Capabilities,
		Keys:          config.Manager,
		Crypto:        config.Crypto,
		OOB:           config.OOB,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	n.provisionable = provisionable
	n.pb = pbadv.NewBearer(pbadv.BearerConfig{LoggerFactory: config.LoggerFactory})

	n.foundation, err = foundation.NewServer(foundation.ServerConfig{
		Manager:       config.Manager,
		Composition:   config.Composition,
		Defaults:      config.foundationDefaults(),
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	n.auth, err = network.NewAuthentication(network.AuthenticationConfig{
		Keys:          config.Manager,
		Crypto:        config.Crypto,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	if err := n.resetNetwork(); err != nil {
		return nil, err
	}
	return n, nil
}

// resetNetwork drops every network and transport state: the replay cache,
// queued retransmissions, reassemblies and outbound segmented messages.
func (n *Node) resetNetwork() error {
	transport, err := lower.NewTransport(lower.TransportConfig{
		Keys:                   n.manager,
		Sequence:               n.manager,
		Crypto:                 n.config.Crypto,
		IncompleteTimeout:      n.config.IncompleteTimeout,
		SegmentRetransmissions: n.config.SegmentRetransmissions,
		AckTTL:                 n.config.DefaultTTL,
		LoggerFactory:          n.config.LoggerFactory,
	})
	if err != nil {
		return err
	}
	n.transport = transport
	n.replay = network.NewReplayCache(0)
	n.transmit = network.NewTransmit(network.TransmitConfig{LoggerFactory: n.config.LoggerFactory})
	return nil
}

// Start starts the bearer and the node's event loop.
func (n *Node) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	if !n.state.CanStart() {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	if err := n.config.Bearer.Start(n.handleAdvertising); err != nil {
		n.cancel()
		n.mu.Unlock()
		return fmt.Errorf("start bearer: %w", err)
	}
	state := StateProvisioned
	if !n.manager.IsProvisioned() {
		state = StateUnprovisioned
		n.nextBeacon = time.Now()
	}
	n.state = state
	n.mu.Unlock()
	n.stateChanged(state)

	go n.run()
	go n.dispatch()

	if n.log != nil {
		n.log.Infof("node started, uuid %s", n.manager.UUID())
	}
	return nil
}

// Stop shuts the node down. It is safe to call more than once.
func (n *Node) Stop() error {
	if !n.State().IsRunning() {
		return nil
	}

	var err error
	n.stopOnce.Do(func() {
		n.cancel()
		<-n.done
		err = n.config.Bearer.Stop()
		n.setState(StateStopped)
		if n.log != nil {
			n.log.Info("node stopped")
		}
	})
	return err
}

// State returns the current lifecycle state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Manager returns the configuration manager.
func (n *Node) Manager() *config.Manager {
	return n.manager
}

// OnAccess sets the handler for received access messages.
func (n *Node) OnAccess(handler AccessHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onAccess = handler
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	changed := n.state != s
	n.state = s
	n.mu.Unlock()
	if changed {
		n.stateChanged(s)
	}
}

func (n *Node) stateChanged(s State) {
	if n.log != nil {
		n.log.Debugf("state %s", s)
	}
	if n.config.OnStateChanged != nil {
		n.config.OnStateChanged(s)
	}
}

// post queues f for the loop goroutine.
func (n *Node) post(f func()) bool {
	select {
	case n.inbox <- f:
		return true
	case <-n.done:
		return false
	}
}

// do runs f on the loop goroutine and waits for its result.
func (n *Node) do(ctx context.Context, f func() error) error {
	if !n.State().IsRunning() {
		return ErrNotStarted
	}
	result := make(chan error, 1)
	if !n.post(func() { result <- f() }) {
		return ErrNotStarted
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return ErrNotStarted
	}
}

func (n *Node) run() {
	defer close(n.done)
	for {
		n.schedule(time.Now())
		select {
		case <-n.ctx.Done():
			return
		case f := <-n.inbox:
			f()
		case <-n.timer.Done():
			n.tick(time.Now())
		}
	}
}

// dispatch hands access messages to the handler outside the loop, so the
// handler may send replies.
func (n *Node) dispatch() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case msg := <-n.access:
			n.mu.RLock()
			handler := n.onAccess
			n.mu.RUnlock()
			if handler != nil {
				handler(msg)
			}
		}
	}
}

// schedule arms the timer for the earliest pending deadline.
func (n *Node) schedule(now time.Time) {
	var next time.Time
	consider := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	consider(n.linkDeadline)
	if n.pb.HasPendingOutbound() {
		consider(n.nextTransaction)
	}
	if n.beaconing() {
		consider(n.nextBeacon)
	}
	if t, ok := n.transmit.NextDeadline(now); ok {
		consider(t)
	}
	if t, ok := n.transport.NextDeadline(); ok {
		consider(t)
	}
	n.timer.Set(next)
}

func (n *Node) beaconing() bool {
	_, open := n.pb.LinkID()
	return !open && !n.manager.IsProvisioned()
}

func (n *Node) tick(now time.Time) {
	if !n.linkDeadline.IsZero() && !now.Before(n.linkDeadline) {
		if n.log != nil {
			n.log.Warn("provisioning link timed out")
		}
		n.sendPBADV(n.pb.Close(pbadv.ReasonTimeout))
		n.linkClosed(now)
	}

	if n.pb.HasPendingOutbound() && !now.Before(n.nextTransaction) {
		n.sendPBADV(n.pb.Retransmit())
		n.nextTransaction = now.Add(n.config.TransactionInterval)
	}

	if n.beaconing() && !now.Before(n.nextBeacon) {
		n.sendBeacon()
		n.nextBeacon = now.Add(n.config.BeaconInterval)
	}

	if err := n.transmit.TransmitReady(n.ctx, n, now); err != nil && n.log != nil {
		n.log.Warnf("network retransmit: %v", err)
	}

	outs, err := n.transport.Tick(n.ctx, now)
	if err != nil && n.log != nil {
		n.log.Warnf("segment retransmit: %v", err)
	}
	if err := n.sendLower(outs, nil); err != nil && n.log != nil {
		n.log.Warnf("segment retransmit: %v", err)
	}
}

func (n *Node) sendBeacon() {
	beacon := &bearer.UnprovisionedBeacon{UUID: n.manager.UUID(), OOBInfo: n.config.OOBInfo}
	if err := n.config.Bearer.Transmit(n.ctx, beacon.AdvertisingData()); err != nil && n.log != nil {
		n.log.Warnf("beacon: %v", err)
	}
}

// handleAdvertising is the bearer handler. It runs on the bearer's goroutine.
func (n *Node) handleAdvertising(ad bearer.AdvertisingData) {
	n.post(func() {
		switch ad.Type {
		case bearer.TypePBADV:
			n.handleProvisioning(ad.Data, time.Now())
		case bearer.TypeMeshMessage:
			n.handleNetwork(ad.Data, time.Now())
		}
	})
}

func (n *Node) handleProvisioning(data []byte, now time.Time) {
	_, wasOpen := n.pb.LinkID()
	if n.manager.IsProvisioned() && !wasOpen {
		return
	}
	adv, err := pbadv.DecodeAdvertising(data)
	if err != nil {
		if n.log != nil {
			n.log.Tracef("dropping pb-adv: %v", err)
		}
		return
	}

	out, event, err := n.pb.ProcessInbound(n.manager.UUID(), adv)
	if err != nil {
		if n.log != nil {
			n.log.Tracef("pb-adv: %v", err)
		}
		return
	}
	if _, open := n.pb.LinkID(); open && !wasOpen {
		n.provisionable.Reset()
		n.linkDeadline = now.Add(n.config.LinkTimeout)
		n.setState(StateProvisioning)
	}
	n.sendPBADV(out)

	switch event := event.(type) {
	case pbadv.EventPDU:
		n.linkDeadline = now.Add(n.config.LinkTimeout)
		reply, err := n.provisionable.ProcessInbound(n.ctx, event.PDU)
		if reply != nil {
			n.sendProvisioning(reply, now)
		}
		if err != nil {
			if n.log != nil {
				n.log.Warnf("provisioning failed: %v", err)
			}
			n.sendPBADV(n.pb.Close(pbadv.ReasonFail))
			n.linkClosed(now)
			return
		}
		if n.provisionable.Complete() && n.State() != StateProvisioned {
			n.provisioned()
		}
	case pbadv.EventClose:
		n.linkClosed(now)
	}
}

// linkClosed forgets the provisioning session. An unprovisioned device goes
// back to beaconing.
func (n *Node) linkClosed(now time.Time) {
	n.provisionable.Reset()
	n.linkDeadline = time.Time{}
	n.nextTransaction = time.Time{}
	if !n.manager.IsProvisioned() {
		n.nextBeacon = now
		n.setState(StateUnprovisioned)
	}
}

func (n *Node) provisioned() {
	if err := n.resetNetwork(); err != nil && n.log != nil {
		n.log.Errorf("network reset: %v", err)
	}
	if addr, err := n.manager.UnicastAddress(); err == nil && n.log != nil {
		n.log.Infof("provisioned as %s", addr)
	}
	n.setState(StateProvisioned)
}

func (n *Node) sendProvisioning(pdu provisioning.PDU, now time.Time) {
	out, err := n.pb.ProcessOutbound(pdu)
	if err != nil {
		if n.log != nil {
			n.log.Warnf("pb-adv outbound %T: %v", pdu, err)
		}
		return
	}
	n.nextTransaction = now.Add(n.config.TransactionInterval)
	n.sendPBADV(out)
}

func (n *Node) sendPBADV(out []*pbadv.AdvertisingPDU) {
	for _, adv := range out {
		raw, err := adv.Encode()
		if err == nil {
			err = n.config.Bearer.Transmit(n.ctx, bearer.AdvertisingData{Type: bearer.TypePBADV, Data: raw})
		}
		if err != nil && n.log != nil {
			n.log.Warnf("pb-adv transmit: %v", err)
		}
	}
}

func (n *Node) handleNetwork(data []byte, now time.Time) {
	if !n.manager.IsProvisioned() {
		return
	}
	pdu, err := network.Decode(data)
	if err != nil {
		if n.log != nil {
			n.log.Tracef("dropping network pdu: %v", err)
		}
		return
	}
	cleartext, err := n.auth.ProcessInbound(n.ctx, pdu)
	if err != nil {
		if n.log != nil {
			n.log.Tracef("network: %v", err)
		}
		return
	}
	if n.manager.IsLocalUnicast(cleartext.Src.Address()) {
		return
	}
	if !n.replay.Accept(cleartext.Src, cleartext.IVIndex, cleartext.Seq) {
		if n.log != nil {
			n.log.Tracef("replayed %s seq %d", cleartext.Src, cleartext.Seq)
		}
		return
	}
	if !n.receives(cleartext.Dst) {
		return
	}

	hdr := lower.Header{
		NetKeyIndex: cleartext.Network.KeyIndex,
		IVIndex:     cleartext.IVIndex,
		TTL:         cleartext.TTL,
		Seq:         cleartext.Seq,
		Src:         cleartext.Src,
		Dst:         cleartext.Dst,
	}
	in, err := n.transport.ProcessInbound(n.ctx, hdr, cleartext.Transport, now)
	if err != nil {
		if n.log != nil {
			n.log.Debugf("lower transport from %s: %v", cleartext.Src, err)
		}
		return
	}
	if err := n.sendLower(in.Replies, nil); err != nil && n.log != nil {
		n.log.Warnf("segment ack: %v", err)
	}
	if in.Access != nil && !n.configure(in.Access, now) {
		select {
		case n.access <- in.Access:
		default:
			if n.log != nil {
				n.log.Warnf("access handler busy, dropping message from %s", in.Access.Src)
			}
		}
	}
	if in.Control != nil && n.log != nil {
		n.log.Debugf("control opcode %02x from %s", in.Control.Opcode, in.Control.Src)
	}
}

// configure hands device key messages for a local element to the
// configuration server and sends its reply. It reports whether the message
// was consumed.
func (n *Node) configure(msg *lower.AccessMessage, now time.Time) bool {
	if !msg.DeviceKey || !n.manager.IsLocalUnicast(msg.Dst) {
		return false
	}
	resp, err := n.foundation.Handle(n.ctx, msg)
	switch {
	case errors.Is(err, foundation.ErrNotConfiguration):
		return false
	case err != nil:
		if n.log != nil {
			n.log.Debugf("configuration message from %s: %v", msg.Src, err)
		}
		return true
	}

	reply := &lower.AccessMessage{
		Src:         mesh.UnicastAddress(msg.Dst),
		Dst:         msg.Src.Address(),
		TTL:         TTLDefault,
		NetKeyIndex: msg.NetKeyIndex,
		DeviceKey:   true,
		Payload:     resp.Payload,
	}
	if err := n.send(reply, nil); err != nil && n.log != nil {
		n.log.Warnf("configuration status to %s: %v", msg.Src, err)
	}
	if resp.Reset {
		if err := n.reset(n.ctx, now); err != nil && n.log != nil {
			n.log.Errorf("node reset: %v", err)
		}
	}
	return true
}

// receives reports whether dst addresses this node.
func (n *Node) receives(dst mesh.Address) bool {
	if dst == mesh.AllNodes || n.manager.IsLocalUnicast(dst) || n.manager.IsSubscribed(dst) {
		return true
	}
	for _, sub := range n.config.Subscriptions {
		if sub == dst {
			return true
		}
	}
	return false
}

// sendLower protects each lower transport PDU with its network key and
// hands it to the retransmit queue.
func (n *Node) sendLower(outs []*lower.Outbound, correlation *network.Correlation) error {
	var errs []error
	for _, out := range outs {
		details, err := n.manager.NetworkByKeyIndex(out.NetKeyIndex)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ivIndex, err := n.manager.IVIndex()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pdu, err := n.auth.ProcessOutbound(n.ctx, &network.CleartextNetworkPDU{
			Network:   details,
			IVIndex:   ivIndex,
			TTL:       out.TTL,
			Seq:       out.Seq,
			Src:       out.Src,
			Dst:       out.Dst,
			Transport: out.PDU,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		count, interval := n.networkTransmit()
		err = n.transmit.ProcessOutbound(n.ctx, n, pdu, count, interval, correlation, time.Now())
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// networkTransmit returns the retransmission count and interval of network
// PDUs the node originates.
func (n *Node) networkTransmit() (uint8, time.Duration) {
	if f, ok := n.manager.Foundation(); ok {
		return f.Transmit()
	}
	return n.config.NetworkTransmitCount, n.config.NetworkTransmitInterval
}

func (n *Node) defaultTTL() uint8 {
	if f, ok := n.manager.Foundation(); ok {
		return f.DefaultTTL
	}
	return n.config.DefaultTTL
}

// TransmitNetworkPDU implements network.Transmitter over the bearer.
func (n *Node) TransmitNetworkPDU(ctx context.Context, pdu *network.ObfuscatedAndEncryptedNetworkPDU) error {
	raw, err := pdu.Encode()
	if err != nil {
		return err
	}
	return n.config.Bearer.Transmit(ctx, bearer.AdvertisingData{Type: bearer.TypeMeshMessage, Data: raw})
}

var _ network.Transmitter = (*Node)(nil)

// Send transmits an access message. TTL TTLDefault selects the default TTL
// and an unassigned Src the primary element.
func (n *Node) Send(ctx context.Context, msg *lower.AccessMessage) error {
	return n.do(ctx, func() error {
		return n.send(msg, nil)
	})
}

// Publish transmits an access message published by a model. A new
// publication from the same model supersedes retransmissions of the
// previous one still queued. A message without a destination goes to the
// model's configured publication.
func (n *Node) Publish(ctx context.Context, msg *lower.AccessMessage, model network.ModelKey) error {
	return n.do(ctx, func() error {
		if !msg.Dst.IsUnassigned() {
			return n.send(msg, &model)
		}
		pub, ok := n.manager.Publication(model.Element, model.ModelID)
		if !ok {
			return fmt.Errorf("%w: %s on %s", ErrNoPublication, model.ModelID, model.Element)
		}
		m := *msg
		m.Src = model.Element
		m.Dst = pub.Address
		m.DeviceKey = false
		m.AppKeyIndex = pub.AppKeyIndex
		m.TTL = pub.TTL
		return n.send(&m, &model)
	})
}

func (n *Node) send(msg *lower.AccessMessage, model *network.ModelKey) error {
	if !n.manager.IsProvisioned() {
		return mesh.ErrNotProvisioned
	}
	m := *msg
	if m.TTL == TTLDefault {
		m.TTL = n.defaultTTL()
	}
	if m.Src == 0 {
		primary, err := n.manager.UnicastAddress()
		if err != nil {
			return err
		}
		m.Src = primary
	}
	outs, err := n.transport.Send(n.ctx, &m, time.Now())
	if err != nil {
		return err
	}
	var correlation *network.Correlation
	if model != nil && len(outs) > 0 {
		correlation = &network.Correlation{ModelKey: *model, SeqZero: uint16(outs[0].Seq & 0x1FFF)}
	}
	return n.sendLower(outs, correlation)
}

// SendControl transmits an upper transport control message.
func (n *Node) SendControl(ctx context.Context, msg *lower.ControlMessage) error {
	return n.do(ctx, func() error {
		if !n.manager.IsProvisioned() {
			return mesh.ErrNotProvisioned
		}
		m := *msg
		if m.TTL == TTLDefault {
			m.TTL = n.defaultTTL()
		}
		outs, err := n.transport.SendControl(n.ctx, &m, time.Now())
		if err != nil {
			return err
		}
		return n.sendLower(outs, nil)
	})
}

// InputEntered reports the value the user typed for input OOB
// authentication.
func (n *Node) InputEntered(ctx context.Context, value provisioning.AuthValue) error {
	return n.do(ctx, func() error {
		if _, open := n.pb.LinkID(); !open {
			return ErrNoLink
		}
		pdu, err := n.provisionable.InputEntered(value)
		if err != nil {
			return err
		}
		n.sendProvisioning(pdu, time.Now())
		return nil
	})
}

// Reset forgets the network and every key and returns the node to the
// unprovisioned state with a fresh identity.
func (n *Node) Reset(ctx context.Context) error {
	return n.do(ctx, func() error {
		return n.reset(ctx, time.Now())
	})
}

func (n *Node) reset(ctx context.Context, now time.Time) error {
	if err := n.manager.NodeReset(ctx); err != nil {
		return err
	}
	n.sendPBADV(n.pb.Close(pbadv.ReasonFail))
	if err := n.resetNetwork(); err != nil {
		return err
	}
	n.linkClosed(now)
	return nil
}

// Package foundation implements the configuration server, the foundation
// model a provisioner uses to hand a node its app keys, model bindings,
// subscriptions and publications over the mesh.
//
// Every change is persisted through the configuration manager before the
// status reply is built, so a reply of StatusSuccess means the state
// survives a reboot.
package foundation

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/logging"

	"github.com/backkem/btmesh/pkg/config"
	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Manager holds and persists the configuration. Required.
	Manager *config.Manager

	// Composition describes the node's elements and models.
	// Default DefaultComposition(Manager.Elements()).
	Composition *Composition

	// Defaults are the node-wide states reported until a client sets one.
	Defaults config.Foundation

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Response is the status message to send back to the client, protected
// with the device key.
type Response struct {
	Payload []byte
	// Reset asks the node to reset itself once Payload is sent.
	Reset bool
}

type reply struct {
	op     Opcode
	params Params
	reset  bool
}

type handler func(ctx context.Context, params []byte) (*reply, error)

// Server is the configuration server.
type Server struct {
	manager     *config.Manager
	composition Composition
	defaults    config.Foundation
	log         logging.LeveledLogger
	handlers    map[Opcode]handler
}

// NewServer creates a configuration server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Manager == nil {
		return nil, ErrManagerRequired
	}
	s := &Server{manager: cfg.Manager, defaults: cfg.Defaults}
	if cfg.Composition != nil {
		s.composition = *cfg.Composition
	} else {
		s.composition = DefaultComposition(cfg.Manager.Elements())
	}
	if err := s.composition.Validate(cfg.Manager.Elements()); err != nil {
		return nil, err
	}
	if cfg.LoggerFactory != nil {
		s.log = cfg.LoggerFactory.NewLogger("foundation")
	}

	s.handlers = map[Opcode]handler{
		OpAppKeyAdd:                         s.appKeyAdd,
		OpAppKeyUpdate:                      s.appKeyUpdate,
		OpAppKeyDelete:                      s.appKeyDelete,
		OpAppKeyGet:                         s.appKeyGet,
		OpCompositionDataGet:                s.compositionGet,
		OpBeaconGet:                         s.beaconGet,
		OpBeaconSet:                         s.beaconSet,
		OpDefaultTTLGet:                     s.defaultTTLGet,
		OpDefaultTTLSet:                     s.defaultTTLSet,
		OpNetworkTransmitGet:                s.networkTransmitGet,
		OpNetworkTransmitSet:                s.networkTransmitSet,
		OpRelayGet:                          s.relayGet,
		OpRelaySet:                          s.relaySet,
		OpModelPublicationGet:               s.publicationGet,
		OpModelPublicationSet:               s.publicationSet,
		OpModelPublicationVirtualSet:        s.publicationVirtualSet,
		OpModelSubscriptionAdd:              s.subscription(OpModelSubscriptionAdd),
		OpModelSubscriptionDelete:           s.subscription(OpModelSubscriptionDelete),
		OpModelSubscriptionOverwrite:        s.subscription(OpModelSubscriptionOverwrite),
		OpModelSubscriptionDeleteAll:        s.subscriptionDeleteAll,
		OpModelSubscriptionVirtualAdd:       s.subscriptionVirtual,
		OpModelSubscriptionVirtualDelete:    s.subscriptionVirtual,
		OpModelSubscriptionVirtualOverwrite: s.subscriptionVirtual,
		OpSIGModelSubscriptionGet:           s.subscriptionGet(false),
		OpVendorModelSubscriptionGet:        s.subscriptionGet(true),
		OpModelAppBind:                      s.modelApp(true),
		OpModelAppUnbind:                    s.modelApp(false),
		OpSIGModelAppGet:                    s.modelAppGet(false),
		OpVendorModelAppGet:                 s.modelAppGet(true),
		OpNodeReset:                         s.nodeReset,
	}
	return s, nil
}

// Composition returns the composition data the server reports.
func (s *Server) Composition() Composition {
	return s.composition
}

// Handle processes one access message. Messages other than configuration
// messages protected with the device key yield ErrNotConfiguration.
func (s *Server) Handle(ctx context.Context, msg *lower.AccessMessage) (*Response, error) {
	if !msg.DeviceKey {
		return nil, ErrNotConfiguration
	}
	op, params, err := ParseAccess(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	h, ok := s.handlers[op]
	if !ok {
		return nil, fmt.Errorf("%w: opcode %s", ErrNotConfiguration, op)
	}
	r, err := h(ctx, params)
	if err != nil {
		if s.log != nil {
			s.log.Debugf("ignoring %s from %s: %v", op, msg.Src, err)
		}
		return nil, err
	}
	payload, err := Encode(r.op, r.params)
	if err != nil {
		return nil, err
	}
	if s.log != nil {
		s.log.Debugf("%s from %s, replying %s", op, msg.Src, r.op)
	}
	return &Response{Payload: payload, Reset: r.reset}, nil
}

var errRejected = errors.New("foundation: rejected")

// update applies f to a copy of the network configuration and persists it.
// A status other than StatusSuccess leaves the configuration unchanged.
func (s *Server) update(ctx context.Context, f func(*config.Network) Status) Status {
	status := StatusSuccess
	err := s.manager.UpdateConfiguration(ctx, func(c *config.Configuration) error {
		if c.Network == nil {
			status = StatusUnspecifiedError
			return errRejected
		}
		if status = f(c.Network); status != StatusSuccess {
			return errRejected
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errRejected):
		return status
	case errors.Is(err, mesh.ErrInsufficientBuffer):
		return StatusInsufficientResources
	default:
		if s.log != nil {
			s.log.Warnf("persist configuration: %v", err)
		}
		return StatusStorageFailure
	}
}

// network returns a snapshot of the network configuration.
func (s *Server) network() *config.Network {
	if n := s.manager.Configuration().Network; n != nil {
		return n
	}
	return &config.Network{}
}

// states returns the node-wide states.
func (s *Server) states() config.Foundation {
	if f, ok := s.manager.Foundation(); ok {
		return f
	}
	return s.defaults
}

func (s *Server) setStates(ctx context.Context, f func(*config.Foundation)) {
	s.update(ctx, func(n *config.Network) Status {
		if n.Foundation == nil {
			d := s.defaults
			n.Foundation = &d
		}
		f(n.Foundation)
		return StatusSuccess
	})
}

// checkModel resolves an element address and model against the composition.
func (s *Server) checkModel(element mesh.UnicastAddress, model mesh.ModelID) Status {
	primary, err := s.manager.UnicastAddress()
	if err != nil {
		return StatusInvalidAddress
	}
	i := int(element) - int(primary)
	if i < 0 || i >= len(s.composition.Elements) {
		return StatusInvalidAddress
	}
	if !s.composition.HasModel(i, model) {
		return StatusInvalidModel
	}
	return StatusSuccess
}

func appKeyStatus(status Status, netKeyIndex, appKeyIndex uint16) *reply {
	return &reply{op: OpAppKeyStatus, params: &AppKeyStatus{
		Status:        status,
		AppKeyIndexes: AppKeyIndexes{NetKeyIndex: netKeyIndex, AppKeyIndex: appKeyIndex},
	}}
}

func (s *Server) appKeyAdd(ctx context.Context, params []byte) (*reply, error) {
	var req AppKeyAdd
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	details, err := config.NewAppKeyDetails(req.Key, req.AppKeyIndex, req.NetKeyIndex)
	if err != nil {
		return nil, err
	}
	status := s.update(ctx, func(n *config.Network) Status {
		err := n.AddAppKey(details)
		switch {
		case err == nil:
			return StatusSuccess
		case errors.Is(err, config.ErrUnknownNetKeyIndex):
			return StatusInvalidNetKeyIndex
		case errors.Is(err, config.ErrAppKeyIndexInUse):
			return StatusKeyIndexAlreadyStored
		}
		return StatusUnspecifiedError
	})
	return appKeyStatus(status, req.NetKeyIndex, req.AppKeyIndex), nil
}

// appKeyUpdate answers without changing anything: app keys are only
// updated during a key refresh, which the node does not run.
func (s *Server) appKeyUpdate(_ context.Context, params []byte) (*reply, error) {
	var req AppKeyAdd
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	n := s.network()
	status := StatusCannotUpdate
	if _, err := n.ByKeyIndex(req.NetKeyIndex); err != nil {
		status = StatusInvalidNetKeyIndex
	} else if key, ok := n.AppKey(req.AppKeyIndex); !ok {
		status = StatusInvalidAppKeyIndex
	} else if key.NetKeyIndex != req.NetKeyIndex {
		status = StatusInvalidBinding
	}
	return appKeyStatus(status, req.NetKeyIndex, req.AppKeyIndex), nil
}

func (s *Server) appKeyDelete(ctx context.Context, params []byte) (*reply, error) {
	var req AppKeyIndexes
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	status := s.update(ctx, func(n *config.Network) Status {
		if _, err := n.ByKeyIndex(req.NetKeyIndex); err != nil {
			return StatusInvalidNetKeyIndex
		}
		key, ok := n.AppKey(req.AppKeyIndex)
		if !ok {
			return StatusSuccess
		}
		if key.NetKeyIndex != req.NetKeyIndex {
			return StatusInvalidBinding
		}
		n.DeleteAppKey(req.AppKeyIndex)
		return StatusSuccess
	})
	return appKeyStatus(status, req.NetKeyIndex, req.AppKeyIndex), nil
}

func (s *Server) appKeyGet(_ context.Context, params []byte) (*reply, error) {
	var req NetKeyIndex
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	n := s.network()
	list := &AppKeyList{NetKeyIndex: req.Index}
	if _, err := n.ByKeyIndex(req.Index); err != nil {
		list.Status = StatusInvalidNetKeyIndex
	} else {
		for _, k := range n.AppKeys {
			if k.NetKeyIndex == req.Index {
				list.AppKeyIndexes = append(list.AppKeyIndexes, k.AppKeyIndex)
			}
		}
	}
	return &reply{op: OpAppKeyList, params: list}, nil
}

// compositionGet answers every page request with page 0, the only page.
func (s *Server) compositionGet(_ context.Context, params []byte) (*reply, error) {
	var req State
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	return &reply{op: OpCompositionDataStatus, params: &CompositionStatus{Composition: s.composition}}, nil
}

func boolState(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

func (s *Server) beaconGet(_ context.Context, params []byte) (*reply, error) {
	if err := Decode(params, &Empty{}); err != nil {
		return nil, err
	}
	return &reply{op: OpBeaconStatus, params: &State{Value: boolState(s.states().SecureBeacon)}}, nil
}

func (s *Server) beaconSet(ctx context.Context, params []byte) (*reply, error) {
	var req State
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	if req.Value > 1 {
		return nil, fmt.Errorf("%w: beacon state %d", ErrInvalidMessage, req.Value)
	}
	s.setStates(ctx, func(f *config.Foundation) { f.SecureBeacon = req.Value == 1 })
	return s.beaconGet(ctx, nil)
}

func (s *Server) defaultTTLGet(_ context.Context, params []byte) (*reply, error) {
	if err := Decode(params, &Empty{}); err != nil {
		return nil, err
	}
	return &reply{op: OpDefaultTTLStatus, params: &State{Value: s.states().DefaultTTL}}, nil
}

func (s *Server) defaultTTLSet(ctx context.Context, params []byte) (*reply, error) {
	var req State
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	if req.Value == 1 || req.Value > 0x7F {
		return nil, fmt.Errorf("%w: default ttl %d", ErrInvalidMessage, req.Value)
	}
	s.setStates(ctx, func(f *config.Foundation) { f.DefaultTTL = req.Value })
	return s.defaultTTLGet(ctx, nil)
}

func (s *Server) networkTransmitGet(_ context.Context, params []byte) (*reply, error) {
	if err := Decode(params, &Empty{}); err != nil {
		return nil, err
	}
	return &reply{op: OpNetworkTransmitStatus, params: &State{Value: s.states().NetworkTransmit}}, nil
}

func (s *Server) networkTransmitSet(ctx context.Context, params []byte) (*reply, error) {
	var req State
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	s.setStates(ctx, func(f *config.Foundation) { f.NetworkTransmit = req.Value })
	return s.networkTransmitGet(ctx, nil)
}

// The node does not relay; both relay messages report it as unsupported.

func (s *Server) relayGet(_ context.Context, params []byte) (*reply, error) {
	if err := Decode(params, &Empty{}); err != nil {
		return nil, err
	}
	return &reply{op: OpRelayStatus, params: &Relay{Relay: RelayNotSupported}}, nil
}

func (s *Server) relaySet(ctx context.Context, params []byte) (*reply, error) {
	var req Relay
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	if req.Relay > RelayEnabled {
		return nil, fmt.Errorf("%w: relay state %d", ErrInvalidMessage, req.Relay)
	}
	return s.relayGet(ctx, nil)
}

func publicationStatus(status Status, p ModelPublication) *reply {
	return &reply{op: OpModelPublicationStatus, params: &ModelPublicationStatus{Status: status, ModelPublication: p}}
}

func (s *Server) publicationGet(_ context.Context, params []byte) (*reply, error) {
	var req ModelRef
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	out := ModelPublication{Element: req.Element, Model: req.Model}
	status := s.checkModel(req.Element, req.Model)
	if status == StatusSuccess {
		if p, ok := s.manager.Publication(req.Element, req.Model); ok {
			out.Address = p.Address
			out.AppKeyIndex = p.AppKeyIndex
			out.TTL = p.TTL
			out.Period = p.Period
			out.Retransmit = p.Retransmit
		}
	}
	return publicationStatus(status, out), nil
}

func (s *Server) publicationSet(ctx context.Context, params []byte) (*reply, error) {
	var req ModelPublication
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	if req.TTL > 0x7F && req.TTL != 0xFF {
		return nil, fmt.Errorf("%w: publish ttl %d", ErrInvalidMessage, req.TTL)
	}
	status := s.checkModel(req.Element, req.Model)
	switch {
	case status != StatusSuccess:
	case req.Model == mesh.ConfigurationServer:
		status = StatusInvalidModel
	case req.Address.IsVirtual():
		status = StatusInvalidAddress
	case req.Credentials:
		status = StatusFeatureNotSupported
	default:
		status = s.update(ctx, func(n *config.Network) Status {
			if !req.Address.IsUnassigned() {
				if _, ok := n.AppKey(req.AppKeyIndex); !ok {
					return StatusInvalidAppKeyIndex
				}
			}
			n.SetPublication(config.Publication{
				Element:     req.Element,
				Model:       req.Model,
				Address:     req.Address,
				AppKeyIndex: req.AppKeyIndex,
				TTL:         req.TTL,
				Period:      req.Period,
				Retransmit:  req.Retransmit,
			})
			return StatusSuccess
		})
	}
	return publicationStatus(status, req), nil
}

// publicationVirtualSet is refused: label UUIDs are not stored.
func (s *Server) publicationVirtualSet(_ context.Context, params []byte) (*reply, error) {
	var req ModelPublicationVirtual
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	p := req.ModelPublication
	p.Address = mesh.UnassignedAddress
	return publicationStatus(StatusFeatureNotSupported, p), nil
}

func subscriptionStatus(status Status, m ModelSubscription) *reply {
	return &reply{op: OpModelSubscriptionStatus, params: &ModelSubscriptionStatus{Status: status, ModelSubscription: m}}
}

func (s *Server) checkSubscribeModel(element mesh.UnicastAddress, model mesh.ModelID) Status {
	status := s.checkModel(element, model)
	if status == StatusSuccess && model == mesh.ConfigurationServer {
		return StatusNotASubscribeModel
	}
	return status
}

func (s *Server) subscription(op Opcode) handler {
	return func(ctx context.Context, params []byte) (*reply, error) {
		var req ModelSubscription
		if err := Decode(params, &req); err != nil {
			return nil, err
		}
		status := s.checkSubscribeModel(req.Element, req.Model)
		if status == StatusSuccess && (!req.Address.IsGroup() || req.Address == mesh.AllNodes) {
			status = StatusInvalidAddress
		}
		if status == StatusSuccess {
			sub := config.Subscription{Element: req.Element, Model: req.Model, Address: req.Address}
			status = s.update(ctx, func(n *config.Network) Status {
				switch op {
				case OpModelSubscriptionAdd:
					n.Subscribe(sub)
				case OpModelSubscriptionDelete:
					n.Unsubscribe(sub)
				case OpModelSubscriptionOverwrite:
					n.UnsubscribeAll(req.Element, req.Model)
					n.Subscribe(sub)
				}
				return StatusSuccess
			})
		}
		return subscriptionStatus(status, req), nil
	}
}

func (s *Server) subscriptionDeleteAll(ctx context.Context, params []byte) (*reply, error) {
	var req ModelRef
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	status := s.checkSubscribeModel(req.Element, req.Model)
	if status == StatusSuccess {
		status = s.update(ctx, func(n *config.Network) Status {
			n.UnsubscribeAll(req.Element, req.Model)
			return StatusSuccess
		})
	}
	return subscriptionStatus(status, ModelSubscription{Element: req.Element, Model: req.Model}), nil
}

// subscriptionVirtual is refused: label UUIDs are not stored.
func (s *Server) subscriptionVirtual(_ context.Context, params []byte) (*reply, error) {
	var req ModelSubscriptionVirtual
	if err := Decode(params, &req); err != nil {
		return nil, err
	}
	return subscriptionStatus(StatusFeatureNotSupported, ModelSubscription{Element: req.Element, Model: req.Model}), nil
}

func (s *Server) subscriptionGet(vendor bool) handler {
	op := OpSIGModelSubscriptionList
	if vendor {
		op = OpVendorModelSubscriptionList
	}
	return func(_ context.Context, params []byte) (*reply, error) {
		var req ModelRef
		if err := Decode(params, &req); err != nil {
			return nil, err
		}
		if req.Model.Vendor != vendor {
			return nil, fmt.Errorf("%w: model %s", ErrInvalidMessage, req.Model)
		}
		list := &ModelSubscriptionList{Element: req.Element, Model: req.Model}
		if list.Status = s.checkSubscribeModel(req.Element, req.Model); list.Status == StatusSuccess {
			list.Addresses = s.network().SubscriptionList(req.Element, req.Model)
		}
		return &reply{op: op, params: list}, nil
	}
}

func (s *Server) modelApp(bind bool) handler {
	return func(ctx context.Context, params []byte) (*reply, error) {
		var req ModelApp
		if err := Decode(params, &req); err != nil {
			return nil, err
		}
		status := s.checkModel(req.Element, req.Model)
		if status == StatusSuccess && req.Model == mesh.ConfigurationServer {
			status = StatusCannotBind
		}
		if status == StatusSuccess {
			b := config.Binding{Element: req.Element, Model: req.Model, AppKeyIndex: req.AppKeyIndex}
			status = s.update(ctx, func(n *config.Network) Status {
				if _, ok := n.AppKey(req.AppKeyIndex); !ok {
					return StatusInvalidAppKeyIndex
				}
				if bind {
					n.Bind(b)
				} else {
					n.Unbind(b)
				}
				return StatusSuccess
			})
		}
		return &reply{op: OpModelAppStatus, params: &ModelAppStatus{Status: status, ModelApp: req}}, nil
	}
}

func (s *Server) modelAppGet(vendor bool) handler {
	op := OpSIGModelAppList
	if vendor {
		op = OpVendorModelAppList
	}
	return func(_ context.Context, params []byte) (*reply, error) {
		var req ModelRef
		if err := Decode(params, &req); err != nil {
			return nil, err
		}
		if req.Model.Vendor != vendor {
			return nil, fmt.Errorf("%w: model %s", ErrInvalidMessage, req.Model)
		}
		list := &ModelAppList{Element: req.Element, Model: req.Model}
		if list.Status = s.checkModel(req.Element, req.Model); list.Status == StatusSuccess {
			list.AppKeyIndexes = s.network().BoundAppKeys(req.Element, req.Model)
		}
		return &reply{op: op, params: list}, nil
	}
}

func (s *Server) nodeReset(_ context.Context, params []byte) (*reply, error) {
	if err := Decode(params, &Empty{}); err != nil {
		return nil, err
	}
	if s.log != nil {
		s.log.Info("node reset requested")
	}
	return &reply{op: OpNodeResetStatus, params: &Empty{}, reset: true}, nil
}

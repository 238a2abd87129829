package network

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/btmesh/pkg/mesh"
)

// DefaultTransmitCapacity is the default number of retransmit slots.
const DefaultTransmitCapacity = 15

// MaxTransmitJitter bounds the random delay added to each retransmit
// interval (Mesh Profile Section 3.4.6.1).
const MaxTransmitJitter = 10 * time.Millisecond

// Transmitter places a network PDU on the bearer.
type Transmitter interface {
	TransmitNetworkPDU(ctx context.Context, pdu *ObfuscatedAndEncryptedNetworkPDU) error
}

// TransmitterFunc adapts a function to Transmitter.
type TransmitterFunc func(ctx context.Context, pdu *ObfuscatedAndEncryptedNetworkPDU) error

// TransmitNetworkPDU implements Transmitter.
func (f TransmitterFunc) TransmitNetworkPDU(ctx context.Context, pdu *ObfuscatedAndEncryptedNetworkPDU) error {
	return f(ctx, pdu)
}

// ModelKey identifies a model instance: its element and model identifier.
type ModelKey struct {
	Element mesh.UnicastAddress
	ModelID mesh.ModelID
}

// Correlation ties a retransmitted publication to the model that published
// it. A newer publication from the same model supersedes older ones.
type Correlation struct {
	ModelKey ModelKey
	SeqZero  uint16
}

// RandomSource provides jitter. Allows deterministic sources in tests.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 { return rand.Float64() }

// Item is one PDU awaiting retransmission.
type Item struct {
	PDU *ObfuscatedAndEncryptedNetworkPDU
	// Count is the number of transmissions left.
	Count    uint8
	Interval time.Duration
	// LastSent is zero when the PDU was never sent.
	LastSent    time.Time
	Correlation *Correlation

	added uint64
	delay time.Duration
}

func (i *Item) due() time.Time {
	if i.LastSent.IsZero() {
		return time.Time{}
	}
	return i.LastSent.Add(i.Interval + i.delay)
}

// TransmitConfig configures a Transmit queue.
type TransmitConfig struct {
	// Capacity is the number of slots. Default DefaultTransmitCapacity.
	Capacity int

	// Random provides interval jitter. Default math/rand.
	Random RandomSource

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Transmit is the network retransmit queue: a fixed table of PDUs that are
// repeated Count more times, Interval apart.
//
// Transmit is not safe for concurrent use.
type Transmit struct {
	slots  []*Item
	random RandomSource
	added  uint64
	log    logging.LeveledLogger
}

// NewTransmit creates a queue.
func NewTransmit(config TransmitConfig) *Transmit {
	if config.Capacity <= 0 {
		config.Capacity = DefaultTransmitCapacity
	}
	t := &Transmit{
		slots:  make([]*Item, config.Capacity),
		random: config.Random,
	}
	if t.random == nil {
		t.random = defaultRandomSource{}
	}
	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("transmit")
	}
	return t
}

// ProcessOutbound transmits pdu once immediately and keeps it for count
// retransmissions. A correlation supersedes queued items of the same model
// with a different SeqZero. When every slot is taken the item with the
// fewest remaining transmissions is evicted, the oldest first on ties.
func (t *Transmit) ProcessOutbound(ctx context.Context, tx Transmitter, pdu *ObfuscatedAndEncryptedNetworkPDU, count uint8, interval time.Duration, correlation *Correlation, now time.Time) error {
	if correlation != nil {
		t.purge(*correlation)
	}
	if err := tx.TransmitNetworkPDU(ctx, pdu); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	t.added++
	item := &Item{
		PDU:      pdu,
		Count:    count,
		Interval: interval,
		LastSent: now,
		added:    t.added,
		delay:    t.jitter(),
	}
	if c := correlation; c != nil {
		cc := *c
		item.Correlation = &cc
	}

	slot := t.freeSlot()
	if slot < 0 {
		slot = t.victim()
		if t.log != nil {
			t.log.Debugf("retransmit queue full, evicting item with %d left", t.slots[slot].Count)
		}
	}
	t.slots[slot] = item
	return nil
}

func (t *Transmit) purge(c Correlation) {
	for i, item := range t.slots {
		if item == nil || item.Correlation == nil {
			continue
		}
		if item.Correlation.ModelKey == c.ModelKey && item.Correlation.SeqZero != c.SeqZero {
			if t.log != nil {
				t.log.Tracef("superseded publication seq_zero %d", item.Correlation.SeqZero)
			}
			t.slots[i] = nil
		}
	}
}

func (t *Transmit) freeSlot() int {
	for i, item := range t.slots {
		if item == nil {
			return i
		}
	}
	return -1
}

func (t *Transmit) victim() int {
	v := 0
	for i, item := range t.slots {
		cur := t.slots[v]
		if item.Count < cur.Count || (item.Count == cur.Count && item.added < cur.added) {
			v = i
		}
	}
	return v
}

func (t *Transmit) jitter() time.Duration {
	return time.Duration(t.random.Float64() * float64(MaxTransmitJitter))
}

// NextDeadline returns when the next item is due, and false when the queue
// is empty. An item that was never sent is due now.
func (t *Transmit) NextDeadline(now time.Time) (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, item := range t.slots {
		if item == nil {
			continue
		}
		due := item.due()
		if due.IsZero() {
			return now, true
		}
		if !found || due.Before(next) {
			next, found = due, true
		}
	}
	return next, found
}

// TransmitReady sends every item that is due at now, decrementing its count
// and removing it once exhausted. Transmit errors do not stop the sweep.
func (t *Transmit) TransmitReady(ctx context.Context, tx Transmitter, now time.Time) error {
	var errs []error
	for i, item := range t.slots {
		if item == nil || now.Before(item.due()) {
			continue
		}
		if err := tx.TransmitNetworkPDU(ctx, item.PDU); err != nil {
			errs = append(errs, err)
		}
		item.Count--
		item.LastSent = now
		item.delay = t.jitter()
		if item.Count == 0 {
			t.slots[i] = nil
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of queued items.
func (t *Transmit) Len() int {
	n := 0
	for _, item := range t.slots {
		if item != nil {
			n++
		}
	}
	return n
}

// Items returns a copy of the queued items.
func (t *Transmit) Items() []Item {
	var out []Item
	for _, item := range t.slots {
		if item != nil {
			out = append(out, *item)
		}
	}
	return out
}

package pipeline

import (
	"sync/atomic"

	"github.com/danmuck/dgpipe/internal/observability"
)

// Stats is a point-in-time view of pipeline counters.
type Stats struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Sent                uint64 `json:"sent"`
	EncodeFailures      uint64 `json:"encode_failures"`
	SendFailures        uint64 `json:"send_failures"`
	Received            uint64 `json:"received"`
	DecodeFailures      uint64 `json:"decode_failures"`
	Unsupported         uint64 `json:"unsupported"`
	SentinelsDiscarded  uint64 `json:"sentinels_discarded"`
	Filtered            uint64 `json:"filtered"`
	PutRetries          uint64 `json:"put_retries"`
	InboundDropped      uint64 `json:"inbound_dropped"`
	DiscardedOnShutdown uint64 `json:"discarded_on_shutdown"`
	OutboundDepth       int    `json:"outbound_depth"`
	InboundDepth        int    `json:"inbound_depth"`
}

// Counters is shared by the workers of one pipeline. Every bump is mirrored
// into the prometheus collectors under the pipeline name.
type Counters struct {
	node string

	sent                atomic.Uint64
	encodeFailures      atomic.Uint64
	sendFailures        atomic.Uint64
	received            atomic.Uint64
	decodeFailures      atomic.Uint64
	unsupported         atomic.Uint64
	sentinelsDiscarded  atomic.Uint64
	filtered            atomic.Uint64
	putRetries          atomic.Uint64
	inboundDropped      atomic.Uint64
	discardedOnShutdown atomic.Uint64
}

func NewCounters(node string) *Counters {
	observability.RegisterMetrics()
	return &Counters{node: node}
}

// bump expects a non-nil receiver; the record methods check for nil before
// taking a field address.
func (c *Counters) bump(n *atomic.Uint64, direction, outcome string) {
	n.Add(1)
	observability.RecordDatagram(c.node, direction, outcome)
}

func (c *Counters) recordSent() {
	if c == nil {
		return
	}
	c.bump(&c.sent, observability.DirectionOutbound, observability.OutcomeOK)
}

func (c *Counters) recordEncodeFailure() {
	if c == nil {
		return
	}
	c.bump(&c.encodeFailures, observability.DirectionOutbound, observability.OutcomeEncodeError)
}

func (c *Counters) recordSendFailure() {
	if c == nil {
		return
	}
	c.bump(&c.sendFailures, observability.DirectionOutbound, observability.OutcomeSendError)
}

func (c *Counters) recordReceived() {
	if c == nil {
		return
	}
	c.bump(&c.received, observability.DirectionInbound, observability.OutcomeOK)
}

func (c *Counters) recordDecodeFailure() {
	if c == nil {
		return
	}
	c.bump(&c.decodeFailures, observability.DirectionInbound, observability.OutcomeDecodeError)
}

func (c *Counters) recordUnsupported() {
	if c == nil {
		return
	}
	c.bump(&c.unsupported, observability.DirectionInbound, observability.OutcomeUnsupported)
}

func (c *Counters) recordSentinel(direction string) {
	if c == nil {
		return
	}
	c.bump(&c.sentinelsDiscarded, direction, observability.OutcomeSentinel)
}

func (c *Counters) recordFiltered(direction string) {
	if c == nil {
		return
	}
	c.bump(&c.filtered, direction, observability.OutcomeDropped)
}

func (c *Counters) recordInboundDropped() {
	if c == nil {
		return
	}
	c.bump(&c.inboundDropped, observability.DirectionInbound, observability.OutcomeDropped)
}

func (c *Counters) recordPutRetry() {
	if c == nil {
		return
	}
	c.putRetries.Add(1)
	observability.RecordPutRetry(c.node)
}

func (c *Counters) recordDiscarded(direction string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.discardedOnShutdown.Add(uint64(n))
	observability.RecordDatagrams(c.node, direction, observability.OutcomeDiscarded, n)
}

func (c *Counters) snapshot() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Name:                c.node,
		Sent:                c.sent.Load(),
		EncodeFailures:      c.encodeFailures.Load(),
		SendFailures:        c.sendFailures.Load(),
		Received:            c.received.Load(),
		DecodeFailures:      c.decodeFailures.Load(),
		Unsupported:         c.unsupported.Load(),
		SentinelsDiscarded:  c.sentinelsDiscarded.Load(),
		Filtered:            c.filtered.Load(),
		PutRetries:          c.putRetries.Load(),
		InboundDropped:      c.inboundDropped.Load(),
		DiscardedOnShutdown: c.discardedOnShutdown.Load(),
	}
}

func (c *Counters) observeDepth(direction string, depth int) {
	if c == nil {
		return
	}
	observability.SetQueueDepth(c.node, direction, depth)
}

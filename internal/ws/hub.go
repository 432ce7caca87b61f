package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Channel names. ChannelAll is a legacy alias of ChannelAllLogs; both
// resolve to the same subscriber set.
const (
	ChannelAllLogs = "all_logs"
	ChannelAll     = "all"
)

const defaultQueueSize = 128

// channelAliases maps legacy names onto their canonical channel.
var channelAliases = map[string]string{
	ChannelAll: ChannelAllLogs,
}

// DeploymentChannel names the per-deployment channel.
func DeploymentChannel(deploymentID string) string {
	return "deployment:" + deploymentID
}

// Canonical resolves channel aliases to the canonical channel name.
func Canonical(name string) string {
	if canonical, ok := channelAliases[name]; ok {
		return canonical
	}
	return name
}

// Subscriber abstracts a streaming client. The hub only ever calls Send;
// closing the underlying connection belongs to whoever accepted it.
type Subscriber interface {
	Send(payload []byte) error
}

// Event couples a broadcast payload with its ordering metadata. Full and
// Redacted are pre-marshalled variants; Redacted is delivered to
// unauthenticated subscribers when present.
type Event struct {
	DeploymentID string
	Sequence     uint64
	Full         []byte
	Redacted     []byte
}

// Subscription binds a client to one or more channels with a bounded
// outbound queue so a slow consumer never stalls the publisher.
type Subscription struct {
	client        Subscriber
	channels      []string
	authenticated bool

	queue     chan Event
	dead      atomic.Bool
	dropped   atomic.Pointer[Event]
	closeOnce sync.Once
}

// Channels returns the canonical channel names the subscription holds.
func (s *Subscription) Channels() []string {
	out := make([]string, len(s.channels))
	copy(out, s.channels)
	return out
}

type sizeQuery struct {
	channel string
	reply   chan int
}

// Hub fans log and status events out to subscribed observers. A single run
// loop owns channel membership; per-subscription pump goroutines decouple
// delivery from publication.
type Hub struct {
	queueSize int
	channels  map[string]map[*Subscription]struct{}
	register  chan *Subscription
	unreg     chan *Subscription
	publish   chan Event
	sizes     chan sizeQuery
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewHub creates a running Hub. queueSize bounds each subscriber's
// outbound queue; zero or negative selects the default.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	h := &Hub{
		queueSize: queueSize,
		channels:  make(map[string]map[*Subscription]struct{}),
		register:  make(chan *Subscription),
		unreg:     make(chan *Subscription),
		publish:   make(chan Event, 64),
		sizes:     make(chan sizeQuery),
		stop:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			for _, name := range sub.channels {
				members, ok := h.channels[name]
				if !ok {
					members = make(map[*Subscription]struct{})
					h.channels[name] = members
				}
				members[sub] = struct{}{}
			}
		case sub := <-h.unreg:
			h.remove(sub)
		case ev := <-h.publish:
			h.fanout(DeploymentChannel(ev.DeploymentID), ev)
			h.fanout(ChannelAllLogs, ev)
		case q := <-h.sizes:
			q.reply <- len(h.channels[Canonical(q.channel)])
		case <-h.stop:
			for _, members := range h.channels {
				for sub := range members {
					sub.closeOnce.Do(func() { close(sub.queue) })
				}
			}
			h.channels = make(map[string]map[*Subscription]struct{})
			return
		}
	}
}

// fanout delivers the event to every live member of the channel. Dead
// subscribers are evicted before the event is enqueued anywhere else on
// the channel.
func (h *Hub) fanout(name string, ev Event) {
	members, ok := h.channels[name]
	if !ok {
		return
	}
	for sub := range members {
		if sub.dead.Load() {
			h.remove(sub)
			continue
		}
		h.enqueue(sub, ev)
	}
	if len(members) == 0 {
		delete(h.channels, name)
	}
}

// enqueue pushes without blocking. When the subscriber queue is full the
// oldest undelivered event is dropped and an overflow marker is recorded
// for substitution by the pump.
func (h *Hub) enqueue(sub *Subscription, ev Event) {
	select {
	case sub.queue <- ev:
		return
	default:
	}
	select {
	case oldest := <-sub.queue:
		sub.dropped.Store(&oldest)
	default:
	}
	select {
	case sub.queue <- ev:
	default:
	}
}

func (h *Hub) remove(sub *Subscription) {
	found := false
	for _, name := range sub.channels {
		if members, ok := h.channels[name]; ok {
			if _, member := members[sub]; member {
				found = true
				delete(members, sub)
				if len(members) == 0 {
					delete(h.channels, name)
				}
			}
		}
	}
	if found {
		sub.closeOnce.Do(func() { close(sub.queue) })
	}
}

// Subscribe attaches a client to the named channels and starts its
// delivery pump. Aliases are resolved and duplicates collapsed.
func (h *Hub) Subscribe(channels []string, client Subscriber, authenticated bool) *Subscription {
	seen := make(map[string]struct{}, len(channels))
	resolved := make([]string, 0, len(channels))
	for _, name := range channels {
		canonical := Canonical(name)
		if _, dup := seen[canonical]; dup || canonical == "" {
			continue
		}
		seen[canonical] = struct{}{}
		resolved = append(resolved, canonical)
	}
	sub := &Subscription{
		client:        client,
		channels:      resolved,
		authenticated: authenticated,
		queue:         make(chan Event, h.queueSize),
	}
	select {
	case h.register <- sub:
	case <-h.stop:
		sub.closeOnce.Do(func() { close(sub.queue) })
		return sub
	}
	go sub.pump(h)
	return sub
}

// Unsubscribe detaches the subscription from every channel it holds.
// Safe to call more than once; the underlying connection is untouched.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	select {
	case h.unreg <- sub:
	case <-h.stop:
	}
}

// Publish fans the event out to the deployment channel and the aggregate
// log channels.
func (h *Hub) Publish(ev Event) {
	select {
	case h.publish <- ev:
	case <-h.stop:
	}
}

// ChannelSize reports current membership of a channel.
func (h *Hub) ChannelSize(name string) int {
	q := sizeQuery{channel: name, reply: make(chan int, 1)}
	select {
	case h.sizes <- q:
		return <-q.reply
	case <-h.stop:
		return 0
	}
}

// Close stops the run loop and releases every subscription queue.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (s *Subscription) pump(h *Hub) {
	for ev := range s.queue {
		if dropped := s.dropped.Swap(nil); dropped != nil {
			if err := s.client.Send(overflowMarker(dropped.DeploymentID)); err != nil {
				s.dead.Store(true)
				h.Unsubscribe(s)
				return
			}
		}
		payload := ev.Full
		if !s.authenticated && len(ev.Redacted) > 0 {
			payload = ev.Redacted
		}
		if err := s.client.Send(payload); err != nil {
			s.dead.Store(true)
			h.Unsubscribe(s)
			return
		}
	}
}

// overflowMarker is substituted for events dropped from a saturated
// subscriber queue.
func overflowMarker(deploymentID string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"type":          "status",
		"deployment_id": deploymentID,
		"status":        "overflow",
		"reason":        "overflow",
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
	})
	return payload
}

// Package hub implements the broadcast coordinator for live chat overlays.
// A single Hub goroutine owns the connection registry, the recent-message
// cache, viewer counts, layout subscriptions and the featured message;
// every externally visible effect happens inside the hub's processing of
// one event at a time, so hub state needs no locks.
package hub

import (
	"context"
	"log"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/stream-nexus/internal/core"
	"github.com/you/stream-nexus/internal/layout"
)

const (
	// maxRecentMessages caps RecentMessages responses.
	maxRecentMessages = 100
	// cacheGrowth is the increment the cache order index grows by.
	cacheGrowth = 100
	// seedWindowHours is how far back startup recovery rehydrates the cache.
	seedWindowHours = 24
	// retentionHours is the store purge horizon applied at startup.
	retentionHours = 48
)

// PaidStore is the persistence boundary for monetized messages. Every
// failure is logged and non-fatal to the in-progress hub operation.
type PaidStore interface {
	Upsert(core.ChatMessage) error
	Get(uuid.UUID) (*core.ChatMessage, error)
	Delete(uuid.UUID) (bool, error)
	ListSinceHours(hours int) ([]core.ChatMessage, error)
	CleanupOlderThan(hours int) (int64, error)
}

// LayoutStore is the on-disk layout boundary.
type LayoutStore interface {
	List() ([]string, error)
	Load(name string) (layout.Layout, error)
	Save(l layout.Layout) error
	Delete(name string) error
	Exists(name string) bool
}

// Converter normalizes a (currency, amount) pair to USD.
type Converter interface {
	USD(currency string, amount float64) float64
}

// connection is one registry entry. An empty subscribedLayout means the
// client receives every layout broadcast (editor-class clients).
type connection struct {
	id               uint64
	send             chan<- []byte
	subscribedLayout string
}

// Hub is the single-writer coordinator. All exported methods are safe for
// concurrent use; they enqueue work onto the hub goroutine and, for
// request/response calls, wait for its reply.
type Hub struct {
	store   PaidStore
	layouts LayoutStore
	rates   Converter
	metrics *Metrics

	clients  map[uint64]*connection
	nextConn uint64

	messages map[uuid.UUID]core.ChatMessage
	order    []uuid.UUID // receipt order; may hold ids of removed messages
	stale    int         // removed ids still present in order
	viewers  map[string]int
	active   string
	featured *core.ChatMessage

	tasks chan func()
	done  chan struct{}
}

// New constructs a hub and runs startup recovery: pick the active layout,
// rehydrate the cache from recently persisted paid messages, and purge
// entries past the retention horizon.
func New(store PaidStore, layouts LayoutStore, rates Converter, metrics *Metrics) *Hub {
	h := &Hub{
		store:    store,
		layouts:  layouts,
		rates:    rates,
		metrics:  metrics,
		clients:  make(map[uint64]*connection),
		messages: make(map[uuid.UUID]core.ChatMessage),
		order:    make([]uuid.UUID, 0, cacheGrowth),
		viewers:  make(map[string]int),
		tasks:    make(chan func(), 256),
		done:     make(chan struct{}),
	}
	h.active = h.chooseActiveLayout()

	if removed, err := store.CleanupOlderThan(retentionHours); err != nil {
		log.Printf("hub: startup cleanup: %v", err)
	} else if removed > 0 {
		log.Printf("hub: purged %d paid messages older than %dh", removed, retentionHours)
	}

	seeded, err := store.ListSinceHours(seedWindowHours)
	if err != nil {
		log.Printf("hub: seed cache: %v", err)
	}
	for _, msg := range seeded {
		h.cacheInsert(msg)
	}
	log.Printf("hub: loaded %d paid messages from store", len(seeded))

	return h
}

// chooseActiveLayout prefers "default", then the first stored layout, then
// falls back to "default" as a placeholder even if absent.
func (h *Hub) chooseActiveLayout() string {
	if h.layouts.Exists("default") {
		return "default"
	}
	names, err := h.layouts.List()
	if err != nil {
		log.Printf("hub: list layouts: %v", err)
		return "default"
	}
	if len(names) > 0 {
		return names[0]
	}
	return "default"
}

// Run processes hub events until ctx is cancelled, then drains whatever was
// already enqueued before announcing shutdown. It must be called exactly
// once, in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case task := <-h.tasks:
			task()
		case <-ctx.Done():
			for {
				select {
				case task := <-h.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// do enqueues one fire-and-forget event. It reports false when the hub has
// stopped; a task enqueued in the shutdown window may be dropped unrun.
func (h *Hub) do(task func()) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.tasks <- task:
		return true
	case <-h.done:
		return false
	}
}

// call enqueues one event and waits until the hub has actually executed it.
// It reports false when the hub stopped first, so request/response callers
// never wait on a reply that will not come: true guarantees the task ran and
// its (buffered) reply is available.
func (h *Hub) call(task func()) bool {
	ran := make(chan struct{})
	select {
	case h.tasks <- func() { task(); close(ran) }:
	case <-h.done:
		return false
	}
	select {
	case <-ran:
		return true
	case <-h.done:
		// Run's drain may still have executed the task before done closed.
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// ErrStopped is returned by request/response calls after Run has exited.
var ErrStopped = errors.New("hub stopped")

/***************
 * Registry
 ***************/

// Register adds a send handle to the registry and returns its fresh
// connection id. New connections start unsubscribed (receive everything).
func (h *Hub) Register(send chan<- []byte) (uint64, error) {
	reply := make(chan uint64, 1)
	ok := h.call(func() {
		h.nextConn++
		id := h.nextConn
		h.clients[id] = &connection{id: id, send: send}
		h.metrics.IncClients(1)
		reply <- id
	})
	if !ok {
		return 0, ErrStopped
	}
	return <-reply, nil
}

// Deregister removes a connection. Unknown ids are a no-op, so sessions may
// deregister more than once.
func (h *Hub) Deregister(id uint64) {
	h.do(func() {
		if _, ok := h.clients[id]; !ok {
			return
		}
		delete(h.clients, id)
		h.metrics.IncClients(-1)
	})
}

/***************
 * Messages
 ***************/

// Ingest runs the arrival pipeline for one raw message: currency
// normalization, sanitization, emoji substitution, cache insert, broadcast,
// and best-effort persistence for paid messages.
func (h *Hub) Ingest(msg core.ChatMessage) {
	h.do(func() { h.handleIngest(msg) })
}

func (h *Hub) handleIngest(msg core.ChatMessage) {
	log.Printf("%s", msg.ConsoleString())

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	paid := msg.Amount > 0
	if paid {
		msg.Amount = h.rates.USD(msg.Currency, msg.Amount)
		msg.Currency = "USD"
	}

	sanitize(&msg)

	h.cacheInsert(msg)
	h.broadcast(tagChatMessage, msg)

	if paid && msg.Amount > 0 {
		if err := h.store.Upsert(msg); err != nil {
			log.Printf("hub: persist paid message %s: %v", msg.ID, err)
			h.metrics.IncStoreErrors()
		}
	}
}

// Feature sets or clears the featured message. A present id is resolved
// from the cache first, then the store; an unresolvable id clears the
// feature with a warning. The resolved message (nil when cleared) is
// broadcast and returned.
func (h *Hub) Feature(id *uuid.UUID) (*core.ChatMessage, error) {
	reply := make(chan *core.ChatMessage, 1)
	ok := h.call(func() {
		var featured *core.ChatMessage
		if id != nil {
			if msg, ok := h.messages[*id]; ok {
				featured = &msg
			} else if msg, err := h.store.Get(*id); err != nil {
				log.Printf("hub: feature lookup %s: %v", *id, err)
				h.metrics.IncStoreErrors()
			} else {
				featured = msg
			}
			if featured == nil {
				log.Printf("hub: featured message %s not found in cache or store", *id)
			}
		}
		h.featured = featured
		if featured != nil {
			h.broadcast(tagFeatureMessage, *featured)
		} else {
			h.broadcast(tagFeatureMessage, nil)
		}
		reply <- featured
	})
	if !ok {
		return nil, ErrStopped
	}
	return <-reply, nil
}

// FeaturedMessage returns the currently featured message, if any.
func (h *Hub) FeaturedMessage() (*core.ChatMessage, error) {
	reply := make(chan *core.ChatMessage, 1)
	if !h.call(func() { reply <- h.featured }) {
		return nil, ErrStopped
	}
	return <-reply, nil
}

// Remove deletes a message from the cache and the store, clears the feature
// if it points at the removed id, and tells every client to drop it.
func (h *Hub) Remove(id uuid.UUID) {
	h.do(func() {
		if _, ok := h.messages[id]; ok {
			delete(h.messages, id)
			h.stale++
			h.maybeCompact()
		}

		if _, err := h.store.Delete(id); err != nil {
			log.Printf("hub: delete paid message %s: %v", id, err)
			h.metrics.IncStoreErrors()
		}

		if h.featured != nil && h.featured.ID == id {
			h.featured = nil
		}

		h.broadcast(tagRemoveMessage, id)
	})
}

// RecentMessages returns up to 100 of the most recently received cached
// messages, ascending by receipt time.
func (h *Hub) RecentMessages() ([]core.ChatMessage, error) {
	reply := make(chan []core.ChatMessage, 1)
	ok := h.call(func() {
		out := make([]core.ChatMessage, 0, maxRecentMessages)
		for i := len(h.order) - 1; i >= 0 && len(out) < maxRecentMessages; i-- {
			if msg, ok := h.messages[h.order[i]]; ok {
				out = append(out, msg)
			}
		}
		// walked newest-first; flip to ascending receipt order
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt < out[j].ReceivedAt })
		reply <- out
	})
	if !ok {
		return nil, ErrStopped
	}
	return <-reply, nil
}

// PaidMessagesSince returns persisted paid messages received within the
// last hours, ascending by receipt time.
func (h *Hub) PaidMessagesSince(hours int) ([]core.ChatMessage, error) {
	type result struct {
		msgs []core.ChatMessage
		err  error
	}
	reply := make(chan result, 1)
	ok := h.call(func() {
		msgs, err := h.store.ListSinceHours(hours)
		if err != nil {
			log.Printf("hub: list paid messages: %v", err)
			h.metrics.IncStoreErrors()
		}
		reply <- result{msgs: msgs, err: err}
	})
	if !ok {
		return nil, ErrStopped
	}
	res := <-reply
	return res.msgs, res.err
}

// UpdateViewerCount upserts one platform's viewer count and broadcasts the
// full map unless the value is unchanged.
func (h *Hub) UpdateViewerCount(platform string, viewers int) {
	h.do(func() {
		if old, ok := h.viewers[platform]; ok && old == viewers {
			return
		}
		h.viewers[platform] = viewers
		snapshot := make(map[string]int, len(h.viewers))
		for k, v := range h.viewers {
			snapshot[k] = v
		}
		h.broadcast(tagViewers, snapshot)
	})
}

/***************
 * Layouts
 ***************/

// UpdateLayout broadcasts an in-progress layout edit without persisting it.
func (h *Hub) UpdateLayout(l layout.Layout) {
	h.do(func() { h.broadcastLayout(l) })
}

// SwitchLayout makes the named layout active and broadcasts it.
func (h *Hub) SwitchLayout(name string) error {
	reply := make(chan error, 1)
	ok := h.call(func() {
		l, err := h.layouts.Load(name)
		if err != nil {
			reply <- errors.Wrapf(err, "switch layout %s", name)
			return
		}
		h.active = name
		h.broadcastLayout(l)
		reply <- nil
	})
	if !ok {
		return ErrStopped
	}
	return <-reply
}

// SaveLayout persists a layout and broadcasts it to interested clients.
func (h *Hub) SaveLayout(l layout.Layout) error {
	reply := make(chan error, 1)
	ok := h.call(func() {
		if err := h.layouts.Save(l); err != nil {
			reply <- errors.Wrapf(err, "save layout %s", l.Name)
			return
		}
		h.broadcastLayout(l)
		reply <- nil
	})
	if !ok {
		return ErrStopped
	}
	return <-reply
}

// DeleteLayout removes a stored layout. Deleting the active layout is
// rejected before storage is touched.
func (h *Hub) DeleteLayout(name string) error {
	reply := make(chan error, 1)
	ok := h.call(func() {
		if name == h.active {
			reply <- errors.New("cannot delete the active layout")
			return
		}
		reply <- h.layouts.Delete(name)
	})
	if !ok {
		return ErrStopped
	}
	return <-reply
}

// ActiveLayout returns the currently active layout, falling back to the
// built-in default when its file cannot be loaded.
func (h *Hub) ActiveLayout() (layout.Layout, error) {
	reply := make(chan layout.Layout, 1)
	ok := h.call(func() {
		l, err := h.layouts.Load(h.active)
		if err != nil {
			l = layout.Default()
		}
		reply <- l
	})
	if !ok {
		return layout.Layout{}, ErrStopped
	}
	return <-reply, nil
}

// LayoutByName loads one layout; found reports whether it exists.
func (h *Hub) LayoutByName(name string) (layout.Layout, bool, error) {
	type result struct {
		l     layout.Layout
		found bool
	}
	reply := make(chan result, 1)
	ok := h.call(func() {
		l, err := h.layouts.Load(name)
		reply <- result{l: l, found: err == nil}
	})
	if !ok {
		return layout.Layout{}, false, ErrStopped
	}
	res := <-reply
	return res.l, res.found, nil
}

// LayoutList returns every stored layout name plus the active one.
func (h *Hub) LayoutList() (layout.ListResponse, error) {
	reply := make(chan layout.ListResponse, 1)
	ok := h.call(func() {
		names, err := h.layouts.List()
		if err != nil {
			log.Printf("hub: list layouts: %v", err)
		}
		reply <- layout.ListResponse{Layouts: names, Active: h.active}
	})
	if !ok {
		return layout.ListResponse{}, ErrStopped
	}
	return <-reply, nil
}

// SubscribeLayout restricts a connection to broadcasts for one layout name.
func (h *Hub) SubscribeLayout(connID uint64, name string) {
	h.do(func() {
		if conn, ok := h.clients[connID]; ok {
			conn.subscribedLayout = name
		}
	})
}

/***************
 * Internals (hub goroutine only)
 ***************/

// cacheInsert records a message in the cache, growing the order index in
// fixed increments rather than per-insert. A re-ingested id replaces the
// cached message in place; its receipt slot in the order index is not
// duplicated.
func (h *Hub) cacheInsert(msg core.ChatMessage) {
	if _, ok := h.messages[msg.ID]; ok {
		h.messages[msg.ID] = msg
		return
	}
	h.messages[msg.ID] = msg
	if len(h.order) == cap(h.order) {
		grown := make([]uuid.UUID, len(h.order), cap(h.order)+cacheGrowth)
		copy(grown, h.order)
		h.order = grown
	}
	h.order = append(h.order, msg.ID)
}

// maybeCompact drops removed ids from the order index once enough of them
// accumulate.
func (h *Hub) maybeCompact() {
	if h.stale < 256 {
		return
	}
	kept := make([]uuid.UUID, 0, cap(h.order))
	for _, id := range h.order {
		if _, ok := h.messages[id]; ok {
			kept = append(kept, id)
		}
	}
	h.order = kept
	h.stale = 0
}

// broadcast serializes the payload under tag and fans it out to every
// registered connection. Sends never block: a saturated client drops the
// payload for itself only.
func (h *Hub) broadcast(tag string, payload any) {
	data, err := envelope(tag, payload)
	if err != nil {
		log.Printf("hub: %v", err)
		return
	}
	for _, conn := range h.clients {
		h.deliver(conn, data, tag)
	}
}

// broadcastLayout fans a layout out to unsubscribed connections and to
// connections subscribed to this layout's name.
func (h *Hub) broadcastLayout(l layout.Layout) {
	data, err := envelope(tagLayoutUpdate, l)
	if err != nil {
		log.Printf("hub: %v", err)
		return
	}
	for _, conn := range h.clients {
		if conn.subscribedLayout != "" && conn.subscribedLayout != l.Name {
			continue
		}
		h.deliver(conn, data, tagLayoutUpdate)
	}
}

func (h *Hub) deliver(conn *connection, data []byte, tag string) {
	select {
	case conn.send <- data:
		h.metrics.IncSent(tag)
	default:
		h.metrics.IncDrops()
	}
}

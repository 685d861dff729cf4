package sqlite

import (
	"context"
	"sync"

	"github.com/andreystavitsky/synquill-go/internal/model"
	"github.com/andreystavitsky/synquill-go/internal/store"
)

// watcherHub tracks live Watch/WatchAll subscriptions and fires them once
// per committed transaction, per store.EntityDAO's documented contract.
// Shaped after the teacher's internal/eventbus.Bus (subscriber map guarded
// by a mutex, per-subscriber channel, unsubscribe closes and removes the
// entry), retargeted from a pub/sub event bus onto row-change notification.
type watcherHub struct {
	mu        sync.Mutex
	nextID    uint64
	byRecord  map[store.Key]map[uint64]chan model.Record
	byQuery   map[string]map[uint64]*queryWatch
	queueSubs map[uint64]chan struct{}
}

type queryWatch struct {
	q  store.Query
	ch chan []model.Record
}

func newWatcherHub() *watcherHub {
	return &watcherHub{
		byRecord:  make(map[store.Key]map[uint64]chan model.Record),
		byQuery:   make(map[string]map[uint64]*queryWatch),
		queueSubs: make(map[uint64]chan struct{}),
	}
}

func (h *watcherHub) addRecordWatch(key store.Key) (uint64, chan model.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan model.Record, 1)
	if h.byRecord[key] == nil {
		h.byRecord[key] = make(map[uint64]chan model.Record)
	}
	h.byRecord[key][id] = ch
	return id, ch
}

func (h *watcherHub) removeRecordWatch(key store.Key, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.byRecord[key]
	if subs == nil {
		return
	}
	if ch, ok := subs[id]; ok {
		close(ch)
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(h.byRecord, key)
	}
}

func (h *watcherHub) addQueryWatch(modelType string, q store.Query) (uint64, chan []model.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan []model.Record, 1)
	if h.byQuery[modelType] == nil {
		h.byQuery[modelType] = make(map[uint64]*queryWatch)
	}
	h.byQuery[modelType][id] = &queryWatch{q: q, ch: ch}
	return id, ch
}

func (h *watcherHub) removeQueryWatch(modelType string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.byQuery[modelType]
	if subs == nil {
		return
	}
	if w, ok := subs[id]; ok {
		close(w.ch)
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(h.byQuery, modelType)
	}
}

// notifyCommit re-reads and pushes the current value for every touched
// (modelType, id) to its Watch subscribers, and re-runs every live query
// watch whose modelType was touched. Channels are capacity-1 and drained
// before send, so a slow subscriber sees the latest value rather than
// blocking the writer (Watch is a "current value" stream, not an event
// log — internal/repository's change stream, which must not drop mutation
// events, is a separate, higher-level concern built on top of this).
func (h *watcherHub) notifyCommit(ctx context.Context, s *Store, active *activeTx) {
	if len(active.touched) == 0 {
		return
	}
	touchedTypes := make(map[string]struct{})
	for key := range active.touched {
		touchedTypes[key.ModelType] = struct{}{}
		h.pushRecord(ctx, s, key)
	}
	for modelType := range touchedTypes {
		h.pushQueries(ctx, s, modelType)
	}
}

func (h *watcherHub) pushRecord(ctx context.Context, s *Store, key store.Key) {
	h.mu.Lock()
	subs := h.byRecord[key]
	chans := make([]chan model.Record, 0, len(subs))
	for _, ch := range subs {
		chans = append(chans, ch)
	}
	h.mu.Unlock()
	if len(chans) == 0 {
		return
	}
	rec, err := (&entityDAO{store: s, modelType: key.ModelType, conn: s.db}).Get(ctx, key.ModelID)
	if err != nil {
		rec = nil
	}
	for _, ch := range chans {
		drainAndSend(ch, rec)
	}
}

func (h *watcherHub) pushQueries(ctx context.Context, s *Store, modelType string) {
	h.mu.Lock()
	subs := h.byQuery[modelType]
	watches := make([]*queryWatch, 0, len(subs))
	for _, w := range subs {
		watches = append(watches, w)
	}
	h.mu.Unlock()
	if len(watches) == 0 {
		return
	}
	dao := &entityDAO{store: s, modelType: modelType, conn: s.db}
	for _, w := range watches {
		recs, err := dao.GetAll(ctx, w.q)
		if err != nil {
			continue
		}
		drainAndSendAll(w.ch, recs)
	}
}

func drainAndSend(ch chan model.Record, rec model.Record) {
	select {
	case <-ch:
	default:
	}
	ch <- rec
}

func drainAndSendAll(ch chan []model.Record, recs []model.Record) {
	select {
	case <-ch:
	default:
	}
	ch <- recs
}

func (h *watcherHub) notifyQueueCommit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.queueSubs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

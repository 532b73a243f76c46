package request

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/warrengame/warren/internal/metrics"
	"github.com/warrengame/warren/internal/model"
	"github.com/warrengame/warren/internal/pers"
	"github.com/warrengame/warren/internal/tsid"
)

// Named global queues. Global queues serialize cross-entity concerns the
// same way entity queues serialize per-entity work.
const (
	PreLoginQueue = "_PRELOGIN" // client requests before a player is attached
	PersGetQueue  = "_PERSGET"  // object resolution for incoming RPC calls
)

// Manager is the queue registry: one Queue per top-level entity TSID plus
// any number of named global queues.
type Manager struct {
	pc     *pers.Cache
	mtr    *metrics.Metrics
	queues *xsync.Map[string, *Queue]

	shuttingDown atomic.Bool
}

// NewManager creates the registry. Metrics may be nil.
func NewManager(pc *pers.Cache, mtr *metrics.Metrics) *Manager {
	return &Manager{
		pc:     pc,
		mtr:    mtr,
		queues: xsync.NewMap[string, *Queue](),
	}
}

func (m *Manager) persCache() *pers.Cache { return m.pc }

// ShuttingDown reports whether Shutdown has begun.
func (m *Manager) ShuttingDown() bool { return m.shuttingDown.Load() }

// Queue returns (creating on demand) the queue for a top-level TSID or a
// global queue name.
func (m *Manager) Queue(id string) *Queue {
	q, _ := m.queues.LoadOrCompute(id, func() (*Queue, bool) {
		return &Queue{id: id, mgr: m}, false
	})
	if m.mtr != nil {
		m.mtr.RequestQueues.Set(float64(m.queues.Size()))
	}
	return q
}

// QueueFor resolves the queue serializing work against an object: for a
// player its current location's queue when one is recorded (players in one
// location serialize together), otherwise the object's own root queue.
func (m *Manager) QueueFor(o *model.Object) *Queue {
	if o.Kind() == tsid.KindPlayer {
		if v, ok := o.Prop(model.PropLocation); ok {
			if ref, ok := v.(*model.Ref); ok && ref.TSID != "" {
				return m.Queue(ref.TSID)
			}
		}
		return m.Queue(o.TSID())
	}
	if root := o.RootTSID(); root != "" {
		return m.Queue(root)
	}
	return m.Queue(o.TSID())
}

// remove deregisters a drained queue.
func (m *Manager) remove(id string) {
	m.queues.Delete(id)
	if m.mtr != nil {
		m.mtr.RequestQueues.Set(float64(m.queues.Size()))
	}
}

// Shutdown drains every registered queue: new pushes are refused with
// ErrQueueClosed, in-flight and already-queued entries run to completion,
// and the call returns when every queue has fired its close callback (or ctx
// expires).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shuttingDown.Store(true)

	var wg sync.WaitGroup
	m.queues.Range(func(id string, q *Queue) bool {
		wg.Add(1)
		q.Close(wg.Done)
		return true
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/warrengame/warren/internal/model"
	"github.com/warrengame/warren/internal/pers"
	"github.com/warrengame/warren/internal/pers/memstore"
)

func newTestManager() (*Manager, *memstore.Store) {
	store := memstore.New()
	pc := pers.NewCache(pers.Config{Driver: store})
	return NewManager(pc, nil), store
}

func waitDone(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestQueue_FIFO(t *testing.T) {
	m, _ := newTestManager()
	q := m.Queue("LFIFO1")

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		var cb Callback
		if i == 4 {
			cb = func(error, any) { close(done) }
		}
		_, err := q.Push(fmt.Sprintf("t%d", i), func(rc *Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}, cb, Options{})
		if err != nil {
			t.Fatal(err)
		}
	}
	waitDone(t, done)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("execution order = %v, want FIFO", order)
		}
	}
}

func TestQueue_NoOverlap(t *testing.T) {
	m, _ := newTestManager()
	q := m.Queue("LOVER1")

	var running atomic.Int32
	var overlapped atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		_, err := q.Push(fmt.Sprintf("t%d", i), func(rc *Context) (any, error) {
			if running.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			return nil, nil
		}, func(error, any) { wg.Done() }, Options{})
		if err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	if overlapped.Load() {
		t.Error("two entries executed overlapping in time")
	}
}

func TestQueue_NestedBypass(t *testing.T) {
	m, _ := newTestManager()
	q := m.Queue("PNEST1")

	done := make(chan struct{})
	var outerRC, innerRC *Context
	var innerRan atomic.Bool

	_, err := q.Push("T", func(rc *Context) (any, error) {
		outerRC = rc
		// A script RPCs back to an object rooted on the same queue. Without
		// the tag-prefix bypass this would deadlock.
		_, err := rc.RQ().Push("T:inner", func(inner *Context) (any, error) {
			innerRC = inner
			innerRan.Store(true)
			return "inner-result", nil
		}, nil, Options{})
		return nil, err
	}, func(err error, _ any) {
		if err != nil {
			t.Errorf("outer entry failed: %v", err)
		}
		close(done)
	}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, done)

	if !innerRan.Load() {
		t.Fatal("nested entry never ran")
	}
	if innerRC != outerRC {
		t.Error("nested entry ran on a different context (rc.cache not shared)")
	}
}

func TestQueue_SharedPrefixSiblingQueues(t *testing.T) {
	m, _ := newTestManager()
	q := m.Queue("PSEQ1")

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	q.Push("req:chat:sess:1", func(rc *Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, nil, Options{})
	waitDone(t, started)

	// "req:chat:sess:1" is a plain string prefix of "req:chat:sess:10", but
	// the tenth request of a type is a sibling entry, not a nested call; it
	// must wait its turn.
	var overlapped atomic.Bool
	q.Push("req:chat:sess:10", func(rc *Context) (any, error) {
		select {
		case <-release:
		default:
			overlapped.Store(true)
		}
		return nil, nil
	}, func(error, any) { close(done) }, Options{})

	time.Sleep(20 * time.Millisecond)
	close(release)
	waitDone(t, done)
	if overlapped.Load() {
		t.Error("sibling entry executed while the first was still in progress")
	}
}

func TestQueue_RepeatedTagQueues(t *testing.T) {
	m, _ := newTestManager()
	q := m.Queue("LTICK1")

	// An interval timer firing again while its previous delivery is still
	// running pushes the identical tag; it must queue behind it.
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	q.Push("timer:LTICK1:tick", func(rc *Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, nil, Options{})
	waitDone(t, started)

	var secondRan atomic.Bool
	q.Push("timer:LTICK1:tick", func(rc *Context) (any, error) {
		secondRan.Store(true)
		return nil, nil
	}, func(error, any) { close(done) }, Options{})

	time.Sleep(20 * time.Millisecond)
	if secondRan.Load() {
		t.Fatal("repeated tag ran inline instead of queueing")
	}
	close(release)
	waitDone(t, done)
	if !secondRan.Load() {
		t.Error("second delivery never ran")
	}
}

func TestQueue_NonNestedTagQueuesNormally(t *testing.T) {
	m, _ := newTestManager()
	q := m.Queue("LTAG1")

	first := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	q.Push("alpha", func(rc *Context) (any, error) {
		close(first)
		<-release
		return nil, nil
	}, nil, Options{})
	waitDone(t, first)

	var secondRan atomic.Bool
	q.Push("beta", func(rc *Context) (any, error) {
		secondRan.Store(true)
		return nil, nil
	}, func(error, any) { close(done) }, Options{})

	time.Sleep(20 * time.Millisecond)
	if secondRan.Load() {
		t.Fatal("non-prefix tag bypassed the queue")
	}
	close(release)
	waitDone(t, done)
}

func TestQueue_CanceledEntrySkipped(t *testing.T) {
	m, _ := newTestManager()
	q := m.Queue("LCANC1")

	block := make(chan struct{})
	q.Push("hold", func(rc *Context) (any, error) {
		<-block
		return nil, nil
	}, nil, Options{})

	var ran atomic.Bool
	e, err := q.Push("victim", func(rc *Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	e.Cancel()

	done := make(chan struct{})
	q.Push("after", func(rc *Context) (any, error) { return nil, nil },
		func(error, any) { close(done) }, Options{})

	close(block)
	waitDone(t, done)
	if ran.Load() {
		t.Error("canceled entry still executed")
	}
}

func TestContext_RollbackOnError(t *testing.T) {
	m, store := newTestManager()
	q := m.Queue("LERR1")
	pc := m.persCache()

	boom := errors.New("script exploded")
	done := make(chan struct{})
	var gotErr error

	q.Push("crash", func(rc *Context) (any, error) {
		if _, err := rc.Create("street", map[string]any{"tsid": "ICRASH1"}); err != nil {
			return nil, err
		}
		dirtied, err := pc.Create(rc, "street", map[string]any{"tsid": "LDIRTY1"}, false)
		if err != nil {
			return nil, err
		}
		rc.SetDirty(dirtied)
		return nil, boom
	}, func(err error, _ any) {
		gotErr = err
		close(done)
	}, Options{})
	waitDone(t, done)

	if !errors.Is(gotErr, boom) {
		t.Errorf("callback error = %v, want the handler error", gotErr)
	}
	if _, ok := pc.Live("ICRASH1"); ok {
		t.Error("added entity survived rollback in live cache")
	}
	if store.Len() != 0 {
		t.Errorf("driver has %d records after rollback, want 0", store.Len())
	}
}

func TestContext_PanicRollsBack(t *testing.T) {
	m, store := newTestManager()
	q := m.Queue("LPANIC1")

	done := make(chan struct{})
	var gotErr error
	q.Push("panic", func(rc *Context) (any, error) {
		rc.Create("street", map[string]any{"tsid": "IPANIC1"})
		panic("oops")
	}, func(err error, _ any) {
		gotErr = err
		close(done)
	}, Options{})
	waitDone(t, done)

	if gotErr == nil {
		t.Fatal("panic not surfaced as error")
	}
	if store.Len() != 0 {
		t.Error("writes issued despite panic")
	}
	// The queue survives and keeps serving.
	after := make(chan struct{})
	q.Push("after", func(rc *Context) (any, error) { return nil, nil },
		func(error, any) { close(after) }, Options{})
	waitDone(t, after)
}

func TestContext_WaitPersOrdering(t *testing.T) {
	m, store := newTestManager()
	q := m.Queue("LWAIT1")

	done := make(chan struct{})
	q.Push("persist", func(rc *Context) (any, error) {
		_, err := rc.Create("street", map[string]any{"tsid": "LWAITOBJ"})
		return nil, err
	}, func(err error, _ any) {
		if err != nil {
			t.Errorf("entry failed: %v", err)
		}
		// waitPers: the write must already be visible here.
		if store.Len() != 1 {
			t.Errorf("callback ran before persistence (records=%d)", store.Len())
		}
		close(done)
	}, Options{WaitPers: true})
	waitDone(t, done)
}

func TestContext_PostPersCallback(t *testing.T) {
	m, _ := newTestManager()
	q := m.Queue("LPPC1")

	var order []string
	var mu sync.Mutex
	done := make(chan struct{})
	q.Push("hook", func(rc *Context) (any, error) {
		rc.PostPersCallback = func() {
			mu.Lock()
			order = append(order, "postPers")
			mu.Unlock()
		}
		return nil, nil
	}, func(error, any) {
		mu.Lock()
		order = append(order, "callback")
		mu.Unlock()
		close(done)
	}, Options{WaitPers: true})
	waitDone(t, done)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "postPers" || order[1] != "callback" {
		t.Errorf("order = %v, want postPers before the waitPers callback", order)
	}
}

func TestManager_Shutdown(t *testing.T) {
	m, _ := newTestManager()

	var executed atomic.Int32
	hold := make(chan struct{})
	for qi := 0; qi < 5; qi++ {
		q := m.Queue(fmt.Sprintf("LSD%d", qi))
		for ei := 0; ei < 3; ei++ {
			q.Push(fmt.Sprintf("e%d", ei), func(rc *Context) (any, error) {
				<-hold
				executed.Add(1)
				return nil, nil
			}, nil, Options{})
		}
	}

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownDone <- m.Shutdown(ctx)
	}()

	// Give Shutdown a moment to flip the flag, then verify rejection.
	time.Sleep(20 * time.Millisecond)
	if !m.ShuttingDown() {
		t.Error("ShuttingDown() = false during shutdown")
	}
	_, err := m.Queue("LSD0").Push("late", func(rc *Context) (any, error) { return nil, nil }, nil, Options{})
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("push during shutdown error = %v, want ErrQueueClosed", err)
	}

	close(hold)
	if err := <-shutdownDone; err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if got := executed.Load(); got != 15 {
		t.Errorf("executed %d entries, want all 15 drained", got)
	}
}

func TestQueue_CloseCallbackFiresOnceEmptyQueue(t *testing.T) {
	m, _ := newTestManager()
	q := m.Queue("LEMPTY1")

	var fired atomic.Int32
	q.Close(func() { fired.Add(1) })

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("close callback fired %d times, want 1", got)
	}
	if _, ok := m.queues.Load("LEMPTY1"); ok {
		t.Error("drained queue still registered")
	}
}

func TestManager_QueueFor(t *testing.T) {
	m, _ := newTestManager()

	loc := model.New("LHOME1", "street", nil)
	if q := m.QueueFor(loc); q.ID() != "LHOME1" {
		t.Errorf("location queue = %q", q.ID())
	}

	pc := model.New("PWHO1", "human", map[string]any{model.PropLocation: &model.Ref{TSID: "LHOME1"}})
	if q := m.QueueFor(pc); q.ID() != "LHOME1" {
		t.Errorf("player queue = %q, want the current location's", q.ID())
	}

	drifter := model.New("PLOST1", "human", nil)
	if q := m.QueueFor(drifter); q.ID() != "PLOST1" {
		t.Errorf("locationless player queue = %q, want own", q.ID())
	}

	item := model.New("IOWNED1", "apple", map[string]any{model.PropTcont: "PWHO1"})
	if q := m.QueueFor(item); q.ID() != "PWHO1" {
		t.Errorf("dependent queue = %q, want root PWHO1", q.ID())
	}
}

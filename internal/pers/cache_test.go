package pers_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/warrengame/warren/internal/model"
	"github.com/warrengame/warren/internal/pers"
	"github.com/warrengame/warren/internal/pers/memstore"
)

// testRC is a minimal request context for persistence tests.
type testRC struct {
	cache map[string]model.Handle
	added []*model.Object
	dirty []*model.Object
	pc    *pers.Cache
}

func newTestRC(pc *pers.Cache) *testRC {
	return &testRC{cache: map[string]model.Handle{}, pc: pc}
}

func (rc *testRC) Tag() string              { return "test" }
func (rc *testRC) SetDirty(o *model.Object) { rc.dirty = append(rc.dirty, o) }
func (rc *testRC) SetUnload(o *model.Object) {
	o.MarkStale()
}
func (rc *testRC) Get(id string) (model.Handle, error) { return rc.pc.Get(rc, id, false) }
func (rc *testRC) CacheGet(id string) (model.Handle, bool) {
	h, ok := rc.cache[id]
	return h, ok
}
func (rc *testRC) CachePut(id string, h model.Handle) { rc.cache[id] = h }
func (rc *testRC) MarkAdded(o *model.Object)          { rc.added = append(rc.added, o) }

// slowStore delays reads and counts them.
type slowStore struct {
	*memstore.Store
	delay time.Duration
	reads atomic.Int64
}

func (s *slowStore) Read(ctx context.Context, tsid string) ([]byte, error) {
	s.reads.Add(1)
	time.Sleep(s.delay)
	return s.Store.Read(ctx, tsid)
}

func seed(t *testing.T, store *memstore.Store, o *model.Object) {
	t.Helper()
	data, err := o.MarshalRecord()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write(context.Background(), []pers.Record{{TSID: o.TSID(), Data: data}}); err != nil {
		t.Fatal(err)
	}
}

func TestGet_LoadInstallsInLiveCache(t *testing.T) {
	store := memstore.New()
	seed(t, store, model.New("LAB1", "street", map[string]any{"label": "Groddle"}))

	pc := pers.NewCache(pers.Config{Driver: store})
	rc := newTestRC(pc)

	h, err := pc.Get(rc, "LAB1", false)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	o, ok := h.(*model.Object)
	if !ok {
		t.Fatalf("Get() = %T, want *model.Object", h)
	}
	if v, _ := o.Prop("label"); v != "Groddle" {
		t.Errorf("label = %v", v)
	}
	if live, ok := pc.Live("LAB1"); !ok || live != o {
		t.Error("loaded object not installed in live cache")
	}
	// The context cache returns the same reference.
	h2, err := pc.Get(rc, "LAB1", false)
	if err != nil || h2 != h {
		t.Error("second Get returned a different reference")
	}
}

func TestGet_NotFound(t *testing.T) {
	pc := pers.NewCache(pers.Config{Driver: memstore.New()})
	_, err := pc.Get(newTestRC(pc), "LNOPE", false)
	if !errors.Is(err, pers.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestGet_ConcurrentLoadsCollapse(t *testing.T) {
	inner := memstore.New()
	seed(t, inner, model.New("GXYZ", "geo", nil))
	store := &slowStore{Store: inner, delay: 10 * time.Millisecond}

	pc := pers.NewCache(pers.Config{Driver: store})

	const tasks = 10
	var wg sync.WaitGroup
	results := make([]model.Handle, tasks)
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rc := newTestRC(pc)
			h, err := pc.Get(rc, "GXYZ", true)
			if err != nil {
				t.Errorf("Get() error: %v", err)
				return
			}
			results[i] = h
		}(i)
	}
	wg.Wait()

	if got := store.reads.Load(); got != 1 {
		t.Errorf("driver reads = %d, want 1", got)
	}
	for i := 1; i < tasks; i++ {
		if results[i] != results[0] {
			t.Fatalf("task %d got a different reference", i)
		}
	}
}

func TestGet_RemoteYieldsProxy(t *testing.T) {
	store := memstore.New()
	seed(t, store, model.New("LREMOTE1", "street", nil))

	proxied := model.New("LREMOTE1", "street", nil) // stands in for an RPC proxy
	pc := pers.NewCache(pers.Config{
		Driver:     store,
		IsLocal:    func(id string) bool { return false },
		MakeRemote: func(id string) model.Handle { return proxied },
	})
	rc := newTestRC(pc)

	h, err := pc.Get(rc, "LREMOTE1", false)
	if err != nil {
		t.Fatal(err)
	}
	if h != model.Handle(proxied) {
		t.Error("non-local load did not return the rpc proxy")
	}
	// Proxy lives in the context cache only, never in live.
	if _, ok := pc.Live("LREMOTE1"); ok {
		t.Error("non-local object installed in live cache")
	}
	if _, ok := rc.CacheGet("LREMOTE1"); !ok {
		t.Error("proxy not installed in the context cache")
	}
}

func TestGet_RemoteProxyCachedAcrossRequests(t *testing.T) {
	inner := memstore.New()
	seed(t, inner, model.New("LFAR1", "street", nil))
	store := &slowStore{Store: inner}

	var made atomic.Int64
	pc := pers.NewCache(pers.Config{
		Driver:  store,
		IsLocal: func(string) bool { return false },
		MakeRemote: func(id string) model.Handle {
			made.Add(1)
			return model.New(id, "street", nil)
		},
	})

	h1, err := pc.Get(newTestRC(pc), "LFAR1", false)
	if err != nil {
		t.Fatal(err)
	}
	// A later request dereferencing the same remote TSID hits the proxy
	// registry, not the driver.
	h2, err := pc.Get(newTestRC(pc), "LFAR1", false)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("second request built a second proxy")
	}
	if got := store.reads.Load(); got != 1 {
		t.Errorf("driver reads = %d, want 1", got)
	}
	if got := made.Load(); got != 1 {
		t.Errorf("proxies built = %d, want 1", got)
	}

	// noProxy skips the registry and forces a storage read; the registry
	// still holds the one proxy.
	h3, err := pc.Get(newTestRC(pc), "LFAR1", true)
	if err != nil {
		t.Fatal(err)
	}
	if got := store.reads.Load(); got != 2 {
		t.Errorf("driver reads after noProxy = %d, want 2", got)
	}
	if h3 != h1 {
		t.Error("noProxy load produced a second proxy instance")
	}
}

func TestCreate_MarksAddedAndCollides(t *testing.T) {
	pc := pers.NewCache(pers.Config{Driver: memstore.New()})
	rc := newTestRC(pc)

	o, err := pc.Create(rc, "street", map[string]any{"tsid": "LNEW1"}, false)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if o.TSID() != "LNEW1" {
		t.Errorf("tsid = %q", o.TSID())
	}
	if len(rc.added) != 1 || rc.added[0] != o {
		t.Error("created object not marked added")
	}

	_, err = pc.Create(rc, "street", map[string]any{"tsid": "LNEW1"}, false)
	var dup *pers.ErrDuplicate
	if !errors.As(err, &dup) {
		t.Errorf("second Create error = %v, want ErrDuplicate", err)
	}

	// Upsert replaces quietly.
	if _, err := pc.Create(rc, "street", map[string]any{"tsid": "LNEW1"}, true); err != nil {
		t.Errorf("upsert Create error: %v", err)
	}
}

func TestCreate_MintsKindFromClass(t *testing.T) {
	model.RegisterClass("test_minted_item", 'I', model.BaseBehavior{})
	pc := pers.NewCache(pers.Config{Driver: memstore.New()})
	o, err := pc.Create(newTestRC(pc), "test_minted_item", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if o.Kind() != 'I' {
		t.Errorf("minted kind = %c, want I", o.Kind())
	}
}

func TestExists(t *testing.T) {
	store := memstore.New()
	seed(t, store, model.New("DCHK1", "datastore", nil))
	pc := pers.NewCache(pers.Config{Driver: store})

	ok, err := pc.Exists(context.Background(), "DCHK1")
	if err != nil || !ok {
		t.Errorf("Exists(DCHK1) = %v, %v", ok, err)
	}
	ok, err = pc.Exists(context.Background(), "DMISS1")
	if err != nil || ok {
		t.Errorf("Exists(DMISS1) = %v, %v", ok, err)
	}
}

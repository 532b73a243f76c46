package model

import (
	"encoding/json"
	"testing"
)

func TestMarshalRecord_RoundTrip(t *testing.T) {
	o := New("PAB12", "human", map[string]any{
		"label":  "Stoot",
		"xp":     float64(1200),
		"flying": true,
		"location": &Ref{TSID: "LXYZ1"},
		"slots":  []any{&Ref{TSID: "IAAA1"}, "empty"},
	})
	o.Timers().Restore(map[string]TimerRec{
		"regen": {Start: 1000, Options: TimerOptions{Fname: "onRegen", Delay: 5000, Interval: true}},
	})

	data, err := o.MarshalRecord()
	if err != nil {
		t.Fatalf("MarshalRecord() error: %v", err)
	}

	back, err := FromRecord(data)
	if err != nil {
		t.Fatalf("FromRecord() error: %v", err)
	}
	if back.TSID() != "PAB12" {
		t.Errorf("tsid = %q, want PAB12", back.TSID())
	}
	if back.Class() != "human" {
		t.Errorf("class = %q, want human", back.Class())
	}
	if v, _ := back.Prop("label"); v != "Stoot" {
		t.Errorf("label = %v, want Stoot", v)
	}
	if v, _ := back.Prop("xp"); v != float64(1200) {
		t.Errorf("xp = %v, want 1200", v)
	}
	loc, _ := back.Prop("location")
	ref, ok := loc.(*Ref)
	if !ok || ref.TSID != "LXYZ1" {
		t.Errorf("location = %#v, want *Ref{LXYZ1}", loc)
	}
	slots, _ := back.Prop("slots")
	list, ok := slots.([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("slots = %#v, want 2-element list", slots)
	}
	if r, ok := list[0].(*Ref); !ok || r.TSID != "IAAA1" {
		t.Errorf("slots[0] = %#v, want *Ref{IAAA1}", list[0])
	}

	timers := back.Timers().Snapshot()
	rec, ok := timers["regen"]
	if !ok {
		t.Fatal("regen timer not restored")
	}
	if rec.Options.Fname != "onRegen" || rec.Options.Delay != 5000 || !rec.Options.Interval {
		t.Errorf("regen timer = %+v", rec)
	}
}

func TestMarshalRecord_SkipsBangProps(t *testing.T) {
	o := New("IAB1", "apple", map[string]any{
		"count":    float64(3),
		"!scratch": "volatile",
	})
	data, err := o.MarshalRecord()
	if err != nil {
		t.Fatal(err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if _, ok := rec["!scratch"]; ok {
		t.Error("!-prefixed prop was persisted")
	}
	if rec["count"] != float64(3) {
		t.Errorf("count = %v, want 3", rec["count"])
	}
}

func TestMarshalRecord_DropsUnserializable(t *testing.T) {
	o := New("DAB1", "datastore", map[string]any{
		"ok":  "yes",
		"bad": func() {},
	})
	data, err := o.MarshalRecord()
	if err != nil {
		t.Fatalf("MarshalRecord() error: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if _, ok := rec["bad"]; ok {
		t.Error("function-valued prop was persisted")
	}
	if rec["ok"] != "yes" {
		t.Error("serializable prop dropped")
	}
}

func TestFromRecord_DeprecatedDuplicates(t *testing.T) {
	data := []byte(`{"id":"LOLD1","class_id":"street","ts":1000,"mood":"calm"}`)
	o, err := FromRecord(data)
	if err != nil {
		t.Fatalf("FromRecord() error: %v", err)
	}
	if o.TSID() != "LOLD1" {
		t.Errorf("tsid = %q, want LOLD1 (from deprecated id)", o.TSID())
	}
	if o.Class() != "street" {
		t.Errorf("class = %q, want street (from deprecated class_id)", o.Class())
	}

	// Canonical names only on write.
	out, err := o.MarshalRecord()
	if err != nil {
		t.Fatal(err)
	}
	var rec map[string]any
	if err := json.Unmarshal(out, &rec); err != nil {
		t.Fatal(err)
	}
	if _, ok := rec["id"]; ok {
		t.Error("deprecated id written out")
	}
	if _, ok := rec["class_id"]; ok {
		t.Error("deprecated class_id written out")
	}
	if rec["tsid"] != "LOLD1" || rec["class_tsid"] != "street" {
		t.Errorf("canonical keys missing: %v", rec)
	}
}

func TestFromRecord_NoTSID(t *testing.T) {
	if _, err := FromRecord([]byte(`{"class_tsid":"x"}`)); err == nil {
		t.Error("record without tsid should fail")
	}
}

func TestMarshalRecord_DeletedFlag(t *testing.T) {
	o := New("IDEL1", "apple", nil)
	o.MarkDeleted()
	data, err := o.MarshalRecord()
	if err != nil {
		t.Fatal(err)
	}
	back, err := FromRecord(data)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Deleted() {
		t.Error("deleted flag lost in round trip")
	}
}

func TestMarshalRecord_InternalTimersNotPersisted(t *testing.T) {
	o := New("PTI1", "human", nil)
	o.Timers().Restore(map[string]TimerRec{
		"visible":  {Start: 1, Options: TimerOptions{Fname: "a", Delay: 100}},
		"internal": {Start: 1, Options: TimerOptions{Fname: "b", Delay: 100, Internal: true}},
	})
	data, err := o.MarshalRecord()
	if err != nil {
		t.Fatal(err)
	}
	back, err := FromRecord(data)
	if err != nil {
		t.Fatal(err)
	}
	snap := back.Timers().Snapshot()
	if _, ok := snap["internal"]; ok {
		t.Error("internal timer was persisted")
	}
	if _, ok := snap["visible"]; !ok {
		t.Error("persistable timer lost")
	}
}

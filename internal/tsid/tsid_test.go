package tsid

import (
	"strings"
	"testing"
)

func TestKind(t *testing.T) {
	if Kind("LABC123") != KindLocation {
		t.Errorf("Kind(LABC123) = %c, want L", Kind("LABC123"))
	}
	if Kind("") != 0 {
		t.Errorf("Kind(\"\") = %c, want 0", Kind(""))
	}
}

func TestIsTopLevel(t *testing.T) {
	cases := []struct {
		tsid string
		want bool
	}{
		{"LXYZ1", true},
		{"RXYZ1", true},
		{"PXYZ1", true},
		{"BXYZ1", false},
		{"IXYZ1", false},
		{"DXYZ1", false},
		{"QXYZ1", false},
		{"GXYZ1", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsTopLevel(c.tsid); got != c.want {
			t.Errorf("IsTopLevel(%q) = %v, want %v", c.tsid, got, c.want)
		}
	}
}

func TestValid(t *testing.T) {
	if !Valid("PA1B2C3") {
		t.Error("Valid(PA1B2C3) = false, want true")
	}
	if Valid("P") {
		t.Error("Valid(P) = true, want false (too short)")
	}
	if Valid("Xabc") {
		t.Error("Valid(Xabc) = true, want false (unknown kind)")
	}
	if Valid("Pab!") {
		t.Error("Valid(Pab!) = true, want false (non-base36)")
	}
}

func TestGeneratorUnique(t *testing.T) {
	g := NewGenerator(3)
	seen := make(map[string]struct{}, 10000)
	for range 10000 {
		id := g.Next(KindItem)
		if !Valid(id) {
			t.Fatalf("generated invalid TSID %q", id)
		}
		if Kind(id) != KindItem {
			t.Fatalf("generated TSID %q with wrong kind", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate TSID %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestGeneratorSuffix(t *testing.T) {
	g := NewGenerator(35)
	id := g.Next(KindLocation)
	if !strings.HasSuffix(id, "Z") {
		t.Errorf("TSID %q missing ordinal suffix Z", id)
	}
}

package gpio

import "testing"

func TestMem_FireAndHistory(t *testing.T) {
	m := NewMem()
	var got []Edge
	set := m.Set(func(e Edge) { got = append(got, e) })

	m.SetStatus(1)
	m.Fire(Edge{Source: SourceIRQ, Rising: true})
	if len(got) != 2 || got[0].Source != SourceStatus || got[1].Source != SourceIRQ {
		t.Fatalf("edges=%+v", got)
	}

	_ = set.Wake.SetValue(0)
	_ = set.Wake.SetValue(1)
	if h := m.Wake.History(); len(h) != 2 || h[0] != 0 || h[1] != 1 {
		t.Fatalf("history=%v", h)
	}

	_ = set.Reset.Drive(0)
	if m.Reset.Released() {
		t.Fatalf("reset still released")
	}
	_ = set.Reset.Release()
	if v, _ := set.Reset.Value(); v != 1 || !m.Reset.Released() {
		t.Fatalf("release: v=%d", v)
	}

	_ = set.Close()
	m.SetStatus(0)
	if len(got) != 2 {
		t.Fatalf("edge delivered after close")
	}
}

package sensor

import "testing"

func TestValid(t *testing.T) {
	if !Acceleration.Valid() || !GestureMotion.Valid() {
		t.Fatalf("expected acceleration and gesture valid")
	}
	if ID(10).Valid() {
		t.Fatalf("gap id 10 should be invalid")
	}
	if End.Valid() || MetaData.Valid() || NoData.Valid() {
		t.Fatalf("wire tags must not be enable-able")
	}
}

func TestMaskGroups(t *testing.T) {
	var m Mask
	m = m.With(Gyro, true).With(StepCounter, true).With(GestureMotion, true)
	if got := m.Group(0); got != 0x04 {
		t.Fatalf("group0=0x%02x want 0x04", got)
	}
	if got := m.Group(2); got != 0x40 {
		t.Fatalf("group2=0x%02x want 0x40", got)
	}
	if got := m.Group(3); got != 0x02 {
		t.Fatalf("group3=0x%02x want 0x02", got)
	}
	m = m.With(StepCounter, false)
	if m.Has(StepCounter) {
		t.Fatalf("step counter still set")
	}
	if StepCounter.Group() != 2 {
		t.Fatalf("group=%d want 2", StepCounter.Group())
	}
}

func TestParse(t *testing.T) {
	id, err := Parse("gyro")
	if err != nil || id != Gyro {
		t.Fatalf("Parse(gyro)=%v,%v", id, err)
	}
	id, err = Parse("22")
	if err != nil || id != StepCounter {
		t.Fatalf("Parse(22)=%v,%v", id, err)
	}
	if _, err := Parse("meta_data"); err == nil {
		t.Fatalf("expected wire tag rejected")
	}
	if _, err := Parse("12"); err == nil {
		t.Fatalf("expected gap id rejected")
	}
}

func TestBatchable(t *testing.T) {
	if !StepDetector.Batchable() || !Acceleration.Batchable() {
		t.Fatalf("expected batchable")
	}
	if Light.Batchable() || SignificantMotion.Batchable() {
		t.Fatalf("light/sig motion must not batch")
	}
}

package status

import "testing"

func TestSucceededFailed(t *testing.T) {
	if !OK.Succeeded() {
		t.Fatal("OK.Succeeded() = false")
	}
	if OK.Failed() {
		t.Fatal("OK.Failed() = true")
	}
	if !BadTags.Failed() {
		t.Fatal("BadTags.Failed() = false")
	}
	if BadTags.Succeeded() {
		t.Fatal("BadTags.Succeeded() = true")
	}
	if !NonZeroed.Succeeded() {
		t.Fatal("NonZeroed must be a success code")
	}
}

func TestFacilityAndValue(t *testing.T) {
	if f := NoPageTable.Facility(); f != FacilityMemMgr {
		t.Fatalf("Facility() = 0x%x, want 0x%x", f, FacilityMemMgr)
	}
	if v := Collided.Value(); v != 3 {
		t.Fatalf("Value() = %d, want 3", v)
	}
}

func TestMakeRoundTrip(t *testing.T) {
	c := Make(true, FacilityMemMgr, 0x1234)
	if !c.Failed() {
		t.Fatal("Make(true, ...) produced a success code")
	}
	if c.Facility() != FacilityMemMgr {
		t.Fatalf("Facility() = 0x%x, want 0x%x", c.Facility(), FacilityMemMgr)
	}
	if c.Value() != 0x1234 {
		t.Fatalf("Value() = 0x%x, want 0x1234", c.Value())
	}
}

func TestErrorStrings(t *testing.T) {
	if BadTags.Error() == "" {
		t.Fatal("BadTags.Error() is empty")
	}
	unknown := Make(true, 0x7FF, 0x7FFF)
	if unknown.Error() == "" {
		t.Fatal("unknown code Error() is empty")
	}
}

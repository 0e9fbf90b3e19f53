package pageslot

import "testing"

func TestSplitBitsValid(t *testing.T) {
	cases := []struct {
		bits  SplitBits
		valid bool
	}{
		{0, true},
		{LeftSplit, true},
		{RightSplit, true},
		{LeftSplit | RightSplit, false},
	}
	for _, c := range cases {
		if got := c.bits.Valid(); got != c.valid {
			t.Errorf("SplitBits(%d).Valid() = %v, want %v", c.bits, got, c.valid)
		}
	}
}

func TestSlotValidateRejectsBothSplitBits(t *testing.T) {
	s := NewPage(PagePtr(1)).WithSplitBits(LeftSplit | RightSplit)
	if err := s.Validate(); err == nil {
		t.Fatal("expected Validate to reject both split bits set")
	}
}

func TestSlotValidateAcceptsSingleSplitBit(t *testing.T) {
	s := NewPage(PagePtr(1)).WithSplitBits(LeftSplit)
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWithSplitBitsPanicsOnNonPageSlot(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling WithSplitBits on a Marker slot")
		}
	}()
	Marker().WithSplitBits(LeftSplit)
}

func TestIsZeroContent(t *testing.T) {
	zero := []Slot{Empty(), Marker(), NewIntervalStart(Untracked), NewIntervalEnd()}
	for _, s := range zero {
		if !s.IsZeroContent() {
			t.Errorf("%s: expected IsZeroContent", s.Kind)
		}
	}
	nonZero := []Slot{NewPage(PagePtr(1)), NewReference(ReferenceHandle(1))}
	for _, s := range nonZero {
		if s.IsZeroContent() {
			t.Errorf("%s: expected not IsZeroContent", s.Kind)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindPage.String() != "Page" {
		t.Fatalf("got %q", KindPage.String())
	}
}

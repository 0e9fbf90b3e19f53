package vmoctl

import (
	"context"
	"strings"
	"testing"
)

func TestCreateRejectsDuplicateName(t *testing.T) {
	s := NewSession()
	if err := s.Create("root", 4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create("root", 4096); err == nil {
		t.Fatal("expected an error creating a duplicate name")
	}
}

func TestCloneUnknownParentFails(t *testing.T) {
	s := NewSession()
	if err := s.Clone("missing", "slice", 0, 4096, "child"); err == nil {
		t.Fatal("expected an error cloning from a nonexistent parent")
	}
}

func TestCloneUnknownKindFails(t *testing.T) {
	s := NewSession()
	if err := s.Create("root", 4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Clone("root", "bogus", 0, 4096, "child"); err == nil {
		t.Fatal("expected an error for an unrecognized clone kind")
	}
}

func TestSliceCloneAliasesParent(t *testing.T) {
	s := NewSession()
	if err := s.Create("root", 2*4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Clone("root", "slice", 4096, 4096, "child"); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	names := s.Names()
	if len(names) != 2 || names[0] != "child" || names[1] != "root" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestSupplyThenFaultReadReturnsSuppliedContent(t *testing.T) {
	s := NewSession()
	if err := s.Create("root", 4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ctx := context.Background()
	if err := s.Supply(ctx, "root", 0, []byte("hello")); err != nil {
		t.Fatalf("Supply: %v", err)
	}

	frame, err := s.Fault(ctx, "root", 0, false)
	if err != nil {
		t.Fatalf("Fault: %v", err)
	}
	if frame == 0 {
		t.Fatal("expected a real frame, got the shared zero page")
	}
}

func TestFaultUnknownObjectFails(t *testing.T) {
	s := NewSession()
	if _, err := s.Fault(context.Background(), "missing", 0, false); err == nil {
		t.Fatal("expected an error faulting an unknown object")
	}
}

func TestInspectReportsLifecycleAndComposition(t *testing.T) {
	s := NewSession()
	if err := s.Create("root", 4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	report, err := s.Inspect("root")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !strings.Contains(report, "lifecycle=") || !strings.Contains(report, "size=4096") {
		t.Fatalf("unexpected report: %s", report)
	}
}

func TestSupplyRejectsOversizedData(t *testing.T) {
	s := NewSession()
	if err := s.Create("root", 4096); err != nil {
		t.Fatalf("Create: %v", err)
	}
	big := make([]byte, 4097)
	if err := s.Supply(context.Background(), "root", 0, big); err == nil {
		t.Fatal("expected an error for data exceeding one page")
	}
}

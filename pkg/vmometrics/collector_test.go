package vmometrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"cowvmo/pkg/vmobject"
)

func newTestObject(t *testing.T, size uint64) *vmobject.CowObject {
	t.Helper()
	o, err := vmobject.NewRoot(vmobject.Config{Size: size})
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	return o
}

func TestCollectorExposesPerObjectGauges(t *testing.T) {
	root := newTestObject(t, vmobject.PageSize)
	child, err := root.CreateClone(vmobject.CloneSlice, 0, vmobject.PageSize)
	if err != nil {
		t.Fatalf("CreateClone: %v", err)
	}

	c := NewCollector(func() []*vmobject.CowObject { return []*vmobject.CowObject{root} })

	count := testutil.CollectAndCount(c)
	// 10 metrics per object, 2 objects (root and its slice child).
	if count != 20 {
		t.Fatalf("expected 20 collected metrics, got %d", count)
	}

	_ = child
}

func TestCollectorDescribeMatchesCollect(t *testing.T) {
	root := newTestObject(t, vmobject.PageSize)
	c := NewCollector(func() []*vmobject.CowObject { return []*vmobject.CowObject{root} })

	descCh := make(chan *prometheus.Desc, 32)
	c.Describe(descCh)
	close(descCh)

	var n int
	for range descCh {
		n++
	}
	if n != 10 {
		t.Fatalf("expected 10 descriptors surfaced via DescribeByCollect, got %d", n)
	}
}

func TestCollectorSkipsNoRoots(t *testing.T) {
	c := NewCollector(func() []*vmobject.CowObject { return nil })
	if count := testutil.CollectAndCount(c); count != 0 {
		t.Fatalf("expected no metrics with no roots, got %d", count)
	}
}

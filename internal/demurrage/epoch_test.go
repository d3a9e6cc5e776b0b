package demurrage

import (
	"reflect"
	"testing"
)

func testEpochs() Epochs {
	return NewEpochs(testConfig())
}

func TestEpochNumber(t *testing.T) {
	e := testEpochs()

	tests := []struct {
		height uint64
		want   int64
	}{
		{1496064, 1461},
		{1496065, 1461},
		{1497087, 1461},
		{1497088, 1462},
		{1496063, 1460},
		{1495040, 1460},
		{1495039, 1459},
	}

	for _, tt := range tests {
		if got := e.Number(tt.height); got != tt.want {
			t.Errorf("Number(%d) = %d, want %d", tt.height, got, tt.want)
		}
	}
}

func TestEpochNumberMonotonic(t *testing.T) {
	e := testEpochs()
	prev := e.Number(1490000)
	for h := uint64(1490001); h < 1500000; h += 7 {
		n := e.Number(h)
		if n < prev {
			t.Fatalf("Number(%d) = %d < %d", h, n, prev)
		}
		prev = n
	}
}

func TestEpochBounds(t *testing.T) {
	e := testEpochs()

	if got := e.StartBlock(1461); got != 1496064 {
		t.Errorf("StartBlock(1461) = %d", got)
	}
	if got := e.EndBlock(1461); got != 1497087 {
		t.Errorf("EndBlock(1461) = %d", got)
	}
	if got := e.StartBlock(1460); got != 1495040 {
		t.Errorf("StartBlock(1460) = %d", got)
	}
	for n := int64(1450); n < 1470; n++ {
		if e.Number(e.StartBlock(n)) != n || e.Number(e.EndBlock(n)) != n {
			t.Errorf("epoch %d bounds do not round-trip", n)
		}
		if e.EndBlock(n)+1 != e.StartBlock(n+1) {
			t.Errorf("epoch %d and %d are not contiguous", n, n+1)
		}
	}
}

func TestEpochRecent(t *testing.T) {
	e := testEpochs()

	got := e.Recent(1497100, 3)
	if want := []int64{1462, 1461, 1460}; !reflect.DeepEqual(got, want) {
		t.Errorf("Recent() = %v, want %v", got, want)
	}

	small := Epochs{BlocksPerEpoch: 10, ReferenceEpoch: 0, ReferenceBlock: 0}
	if got := small.Recent(15, 10); !reflect.DeepEqual(got, []int64{1, 0}) {
		t.Errorf("Recent() near genesis = %v, want [1 0]", got)
	}
}

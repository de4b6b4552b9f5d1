package core

import "testing"

func TestNewDistanceXOR(t *testing.T) {
	var a, b Key
	a[0] = 0b10101010
	b[0] = 0b01010101
	d := NewDistance(a, b)
	if d[0] != 0b11111111 {
		t.Fatalf("expected 0xff in first byte, got %08b", d[0])
	}
}

func TestDistanceSelfIsZero(t *testing.T) {
	k := NewKey("self")
	d := NewDistance(k, k)
	var zero Distance
	if d != zero {
		t.Fatalf("expected zero distance between a key and itself")
	}
}

func TestDistanceLessAndCmp(t *testing.T) {
	var near, far Distance
	near[0] = 0x01
	far[0] = 0x02
	if !near.Less(far) {
		t.Fatalf("expected near to be less than far")
	}
	if far.Less(near) {
		t.Fatalf("did not expect far to be less than near")
	}
	if near.Cmp(far) != -1 {
		t.Fatalf("expected Cmp(near, far) == -1")
	}
	if far.Cmp(near) != 1 {
		t.Fatalf("expected Cmp(far, near) == 1")
	}
	if near.Cmp(near) != 0 {
		t.Fatalf("expected Cmp(near, near) == 0")
	}
}

func TestBucketIndexZeroDistanceIsBucketZero(t *testing.T) {
	var zero Distance
	if bucketIndex(zero) != 0 {
		t.Fatalf("expected zero distance to map to bucket 0, got %d", bucketIndex(zero))
	}
}

func TestBucketIndexHighestBit(t *testing.T) {
	var d Distance
	d[0] = 0b10000000
	if idx := bucketIndex(d); idx != NBuckets-1 {
		t.Fatalf("expected MSB-set distance to map to bucket %d, got %d", NBuckets-1, idx)
	}
}

func TestBucketIndexLowestBit(t *testing.T) {
	var d Distance
	d[KeyLen-1] = 0b00000001
	if idx := bucketIndex(d); idx != 0 {
		t.Fatalf("expected LSB-set distance to map to bucket 0, got %d", idx)
	}
}

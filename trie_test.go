package cptrie

import "testing"

type valueRun struct {
	end rune
	v   uint32
}

func collectRuns(get func(rune, ValueFilter) (rune, uint32), filter ValueFilter) []valueRun {
	var runs []valueRun
	c := rune(0)
	for {
		end, v := get(c, filter)
		runs = append(runs, valueRun{end, v})
		if end >= 0x10ffff {
			return runs
		}
		c = end + 1
	}
}

func TestTrieGetRangeMatchesBuilder(t *testing.T) {
	b := NewBuilder(0, 0xbad)
	for _, r := range []struct {
		start, end rune
		v          uint32
	}{
		{0x61, 0x7a, 1},
		{0x370, 0x3ff, 2},
		{0xfff0, 0x10010, 3},
		{0xe0000, 0xe01ef, 4},
	} {
		if err := b.SetRange(r.start, r.end, r.v, true); err != nil {
			t.Fatal(err)
		}
	}

	before := collectRuns(b.GetRange, nil)

	trie, err := b.Freeze(ValueBits16)
	if err != nil {
		t.Fatal(err)
	}
	after := collectRuns(trie.GetRange, nil)

	if len(before) != len(after) {
		t.Fatalf("run count changed across freeze: %d != %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("run %d changed across freeze: %+v != %+v", i, before[i], after[i])
		}
	}

	if end, _ := trie.GetRange(0x110000, nil); end != -1 {
		t.Fatalf("GetRange above Unicode: end = %#x, want -1", end)
	}
}

func TestTrieGetRangeFiltered(t *testing.T) {
	b := NewBuilder(0, 0xbad)
	if err := b.SetRange(0x100, 0x17f, 2, true); err != nil {
		t.Fatal(err)
	}
	if err := b.SetRange(0x180, 0x1ff, 4, true); err != nil {
		t.Fatal(err)
	}
	trie, err := b.Freeze(ValueBits16)
	if err != nil {
		t.Fatal(err)
	}

	// Even values collapse, so 2 and 4 join into one run.
	even := func(v uint32) uint32 { return v & 1 }
	end, v := trie.GetRange(0x100, even)
	if end != 0x10ffff || v != 0 {
		t.Fatalf("GetRange(0x100, even) = (%#x, %d), want (0x10ffff, 0)", end, v)
	}
}

func TestTrieHighRegion(t *testing.T) {
	b := NewBuilder(1, 0xbad)
	if err := b.SetRange(0x800, 0x20000, 6, true); err != nil {
		t.Fatal(err)
	}
	trie, err := b.Freeze(ValueBits16)
	if err != nil {
		t.Fatal(err)
	}

	for c := trie.HighStart(); c <= 0x10ffff; c += 0x40 {
		if got := trie.Get(c); got != trie.HighValue() {
			t.Fatalf("Get(%#x) = %d, want high value %d", c, got, trie.HighValue())
		}
	}
	if trie.HighValue() != 1 {
		t.Fatalf("high value = %d, want the initial value 1", trie.HighValue())
	}
	if trie.HighStart()%cpPerIndex1Entry != 0 {
		t.Fatalf("high start %#x not aligned to %#x", trie.HighStart(), cpPerIndex1Entry)
	}
	if trie.HighStart() > 0x20400 {
		t.Fatalf("high start %#x above the last written block", trie.HighStart())
	}
}

func TestTrieAccessors(t *testing.T) {
	b := NewBuilder(0, 0xbad)
	if err := b.Set(0x10400, 3); err != nil {
		t.Fatal(err)
	}
	if b.IsFrozen() {
		t.Fatal("builder frozen before Freeze")
	}

	trie, err := b.Freeze(ValueBits32)
	if err != nil {
		t.Fatal(err)
	}
	if !b.IsFrozen() {
		t.Fatal("builder not frozen after Freeze")
	}

	if trie.ValueBits() != ValueBits32 {
		t.Fatalf("value bits = %s", trie.ValueBits())
	}
	if trie.ErrorValue() != 0xbad {
		t.Fatalf("error value = %#x", trie.ErrorValue())
	}
	if trie.IndexLength() < bmpIndexLength {
		t.Fatalf("index length = %#x", trie.IndexLength())
	}
	if trie.DataLength() <= 0 {
		t.Fatalf("data length = %d", trie.DataLength())
	}

	b.Close()
	if b.Get(0x10400) != 0 {
		t.Fatal("closed builder should read as initial value")
	}
}

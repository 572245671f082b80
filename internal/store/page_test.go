package store

import "testing"

func TestPage_EncodeDecodeRoundTrip(t *testing.T) {
	pc := &PageChain{
		Ordering:  SPO,
		Primary:   7,
		Triples:   []Triple{{S: 7, P: 1, O: 100}, {S: 7, P: 1, O: 101}, {S: 7, P: 2, O: 50}},
		NextChain: 4096,
	}
	buf, err := encodePage(pc, DefaultPageSize, CodecNone)
	if err != nil {
		t.Fatalf("encodePage: %v", err)
	}
	got, err := decodePage(buf)
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	if got.Ordering != pc.Ordering || got.Primary != pc.Primary || got.NextChain != pc.NextChain {
		t.Fatalf("header mismatch: got %+v want %+v", got, pc)
	}
	if len(got.Triples) != len(pc.Triples) {
		t.Fatalf("triple count mismatch: got %d want %d", len(got.Triples), len(pc.Triples))
	}
	for i, tr := range pc.Triples {
		if got.Triples[i] != tr {
			t.Errorf("triple %d mismatch: got %+v want %+v", i, got.Triples[i], tr)
		}
	}
}

func TestPage_CRCDetectsCorruption(t *testing.T) {
	pc := &PageChain{Ordering: POS, Primary: 3, Triples: []Triple{{S: 1, P: 3, O: 2}}}
	buf, err := encodePage(pc, DefaultPageSize, CodecNone)
	if err != nil {
		t.Fatalf("encodePage: %v", err)
	}
	if err := verifyPageCRC(buf); err != nil {
		t.Fatalf("valid CRC failed: %v", err)
	}
	buf[pageHeaderSize+2] ^= 0xFF
	if err := verifyPageCRC(buf); err == nil {
		t.Fatal("expected CRC mismatch after corruption")
	}
}

func TestPage_BrotliAndZstdRoundTrip(t *testing.T) {
	triples := make([]Triple, 0, 200)
	for i := 0; i < 200; i++ {
		triples = append(triples, Triple{S: 1, P: ID(i % 5), O: ID(i)})
	}
	for _, codec := range []Codec{CodecBrotli, CodecZstd} {
		pc := &PageChain{Ordering: SPO, Primary: 1, Triples: triples}
		buf, err := encodePage(pc, 16*1024, codec)
		if err != nil {
			t.Fatalf("encodePage codec=%s: %v", codec, err)
		}
		got, err := decodePage(buf)
		if err != nil {
			t.Fatalf("decodePage codec=%s: %v", codec, err)
		}
		if len(got.Triples) != len(triples) {
			t.Fatalf("codec=%s: triple count mismatch: got %d want %d", codec, len(got.Triples), len(triples))
		}
	}
}

func TestOrdering_PermuteUnpermuteRoundTrip(t *testing.T) {
	tr := Triple{S: 10, P: 20, O: 30}
	for _, o := range Orderings {
		p, s, te := o.Permute(tr)
		got := o.Unpermute(p, s, te)
		if got != tr {
			t.Errorf("ordering %s: roundtrip mismatch got %+v want %+v", o, got, tr)
		}
	}
}

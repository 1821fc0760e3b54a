package codec

import (
	"math/rand"
	"testing"
)

func wordCountDescriptor() Descriptor {
	return Descriptor{
		Row: RowType{
			{Name: "a", Kind: KindInt32},
			{Name: "b", Kind: KindString},
		},
		RowFormat: RowFormatPacked,
		Keys:      []KeyField{{Name: "a", Dir: Ascending}},
		KeyFormat: KeyFormatOrderable,
	}
}

func TestRowRoundTrip(t *testing.T) {
	c, err := New(wordCountDescriptor())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Run("RoundTripBasic", func(t *testing.T) {
		row := Row{int32(42), "hello"}
		enc, err := c.EncodeRow(row)
		if err != nil {
			t.Fatalf("EncodeRow: %v", err)
		}
		dec, err := c.DecodeRow(enc)
		if err != nil {
			t.Fatalf("DecodeRow: %v", err)
		}
		if dec[0].(int32) != 42 || dec[1].(string) != "hello" {
			t.Errorf("got %v", dec)
		}
	})

	t.Run("RoundTripRandom", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		for i := 0; i < 200; i++ {
			a := rng.Int31()
			n := rng.Intn(20)
			bs := make([]byte, n)
			rng.Read(bs)
			row := Row{a, string(bs)}
			enc, err := c.EncodeRow(row)
			if err != nil {
				t.Fatalf("EncodeRow: %v", err)
			}
			dec, err := c.DecodeRow(enc)
			if err != nil {
				t.Fatalf("DecodeRow: %v", err)
			}
			if dec[0].(int32) != a || dec[1].(string) != string(bs) {
				t.Fatalf("round trip mismatch: got %v want (%v,%q)", dec, a, bs)
			}
		}
	})
}

func TestNullableField(t *testing.T) {
	desc := Descriptor{
		Row: RowType{
			{Name: "a", Kind: KindInt32},
			{Name: "b", Kind: KindString, Nullable: true},
		},
		Keys: []KeyField{{Name: "a", Dir: Ascending}},
	}
	c, err := New(desc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	row := Row{int32(1), nil}
	enc, err := c.EncodeRow(row)
	if err != nil {
		t.Fatalf("EncodeRow: %v", err)
	}
	dec, err := c.DecodeRow(enc)
	if err != nil {
		t.Fatalf("DecodeRow: %v", err)
	}
	if dec[1] != nil {
		t.Errorf("expected nil, got %v", dec[1])
	}
}

func TestTypeMismatchOnKeyNotInRow(t *testing.T) {
	desc := Descriptor{
		Row:  RowType{{Name: "a", Kind: KindInt32}},
		Keys: []KeyField{{Name: "nope", Dir: Ascending}},
	}
	if _, err := New(desc); err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestOrderAgreementInt32Ascending(t *testing.T) {
	desc := Descriptor{
		Row:  RowType{{Name: "a", Kind: KindInt32}},
		Keys: []KeyField{{Name: "a", Dir: Ascending}},
	}
	c, err := New(desc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vals := []int32{-100, -1, 0, 1, 2, 100, 1 << 20}
	for i := 0; i < len(vals); i++ {
		for j := 0; j < len(vals); j++ {
			ka, _ := c.EncodeKey(Row{vals[i]})
			kb, _ := c.EncodeKey(Row{vals[j]})
			got := c.Order(ka, kb)
			want := Equal
			if vals[i] < vals[j] {
				want = Less
			} else if vals[i] > vals[j] {
				want = Greater
			}
			if got != want {
				t.Errorf("order(%d,%d) = %v, want %v", vals[i], vals[j], got, want)
			}
		}
	}
}

func TestOrderAgreementDescending(t *testing.T) {
	desc := Descriptor{
		Row:  RowType{{Name: "a", Kind: KindInt64}},
		Keys: []KeyField{{Name: "a", Dir: Descending}},
	}
	c, err := New(desc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vals := []int64{1, 2, 3}
	keys := make([][]byte, len(vals))
	for i, v := range vals {
		keys[i], _ = c.EncodeKey(Row{v})
	}
	// descending: 1 > 2 > 3 in key order
	if c.Order(keys[0], keys[1]) != Greater {
		t.Errorf("expected key(1) > key(2) under descending order")
	}
	if c.Order(keys[1], keys[2]) != Greater {
		t.Errorf("expected key(2) > key(3) under descending order")
	}
}

func TestOrderAgreementStringPrefixSafety(t *testing.T) {
	desc := Descriptor{
		Row:  RowType{{Name: "s", Kind: KindString}, {Name: "n", Kind: KindInt32}},
		Keys: []KeyField{{Name: "s", Dir: Ascending}, {Name: "n", Dir: Ascending}},
	}
	c, err := New(desc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// "ab" with n=5 must sort before "abc" with n=0 despite "ab" being a
	// byte-prefix of "abc" -- the escaping/terminator scheme must keep
	// field boundaries unambiguous.
	k1, _ := c.EncodeKey(Row{"ab", int32(5)})
	k2, _ := c.EncodeKey(Row{"abc", int32(0)})
	if c.Order(k1, k2) != Less {
		t.Errorf("expected (\"ab\",5) < (\"abc\",0)")
	}
}

func TestOrderReflexiveAndAntisymmetric(t *testing.T) {
	desc := Descriptor{
		Row:  RowType{{Name: "a", Kind: KindFloat64}},
		Keys: []KeyField{{Name: "a", Dir: Ascending}},
	}
	c, err := New(desc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, v := range []float64{-3.5, -0.0, 0.0, 1.25, 1e100} {
		k, _ := c.EncodeKey(Row{v})
		if c.Order(k, k) != Equal {
			t.Errorf("Order not reflexive for %v", v)
		}
	}
	ka, _ := c.EncodeKey(Row{-1.0})
	kb, _ := c.EncodeKey(Row{1.0})
	if c.Order(ka, kb) != Less || c.Order(kb, ka) != Greater {
		t.Errorf("Order not antisymmetric")
	}
}

func TestMissingKeySortsBeforePresentAscending(t *testing.T) {
	desc := Descriptor{
		Row:  RowType{{Name: "a", Kind: KindInt32, Nullable: true}},
		Keys: []KeyField{{Name: "a", Dir: Ascending}},
	}
	c, err := New(desc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	kMissing, _ := c.EncodeKey(Row{nil})
	kPresent, _ := c.EncodeKey(Row{int32(-1000000)})
	if c.Order(kMissing, kPresent) != Less {
		t.Errorf("expected missing key to sort before present key ascending")
	}
}

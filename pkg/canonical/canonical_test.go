package canonical

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCanonicalSortsKeys(t *testing.T) {
	out, err := Canonical(map[string]any{"b": 1, "a": 2, "c": 3})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"a":2,"b":1,"c":3}` {
		t.Fatalf("unexpected canonical form: %s", out)
	}
}

func TestCanonicalStable(t *testing.T) {
	payload := map[string]any{
		"amount":   "10.50",
		"items":    []any{map[string]any{"sku": "A", "qty": 2}},
		"customer": nil,
	}
	first, err := Canonical(payload)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := Canonical(payload)
		if err != nil {
			t.Fatal(err)
		}
		if string(first) != string(again) {
			t.Fatalf("canonical form not stable: %s vs %s", first, again)
		}
	}
}

func TestCanonicalNoHTMLEscaping(t *testing.T) {
	out, err := Canonical(map[string]any{"note": "a<b>&c"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), `<`) {
		t.Fatalf("HTML escaping leaked into canonical form: %s", out)
	}
}

func TestCanonicalNFCNormalization(t *testing.T) {
	// U+0065 U+0301 (e + combining acute) normalizes to U+00E9.
	decomposed := map[string]any{"name": "café"}
	composed := map[string]any{"name": "café"}

	a, err := Canonical(decomposed)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Canonical(composed)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("NFC forms differ: %s vs %s", a, b)
	}
}

func TestCanonicalDecimalStringsPreserved(t *testing.T) {
	out, err := Canonical(map[string]any{"total": "19.90"})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"total":"19.90"}` {
		t.Fatalf("decimal text altered: %s", out)
	}
}

func TestCanonicalRejectsUnsupported(t *testing.T) {
	if _, err := Canonical(map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("expected encoding error for channel value")
	}
}

func TestHashGenesis(t *testing.T) {
	payload := map[string]any{"name": "B1"}
	header := map[string]any{"event_id": "e-1"}

	hash, err := Hash(payload, GenesisHash, header)
	if err != nil {
		t.Fatal(err)
	}
	if len(hash) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(hash))
	}
	if hash != strings.ToLower(hash) {
		t.Fatal("hash must be lowercase hex")
	}
	if err := Verify(payload, GenesisHash, header, hash); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyMismatch(t *testing.T) {
	payload := map[string]any{"name": "B1"}
	header := map[string]any{"event_id": "e-1"}
	err := Verify(payload, GenesisHash, header, strings.Repeat("0", 64))
	if err == nil {
		t.Fatal("expected hash mismatch")
	}
}

func TestHashDependsOnPreviousHash(t *testing.T) {
	payload := map[string]any{"v": 1}
	header := map[string]any{"event_id": "e-1"}
	a, _ := Hash(payload, GenesisHash, header)
	b, _ := Hash(payload, a, header)
	if a == b {
		t.Fatal("hash must change with the previous link")
	}
}

func TestCanonicalDeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("equal maps encode to equal bytes", prop.ForAll(
		func(keys []string, val string) bool {
			m1 := make(map[string]any, len(keys))
			m2 := make(map[string]any, len(keys))
			// Insert in opposite orders; map iteration must not leak.
			for _, k := range keys {
				m1[k] = val
			}
			for i := len(keys) - 1; i >= 0; i-- {
				m2[keys[i]] = val
			}
			a, errA := Canonical(m1)
			b, errB := Canonical(m2)
			return errA == nil && errB == nil && string(a) == string(b)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

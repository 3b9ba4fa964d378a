package prescription

import (
	"bytes"
	"strings"
	"testing"
)

func TestRandomCodes_Format(t *testing.T) {
	for _, digits := range []int{0, 4, 6, 8} {
		g := RandomCodes{Digits: digits}
		want := digits
		if want == 0 {
			want = 4
		}
		for i := 0; i < 50; i++ {
			code, err := g.Generate()
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if len(code) != want {
				t.Fatalf("digits=%d: got %q", digits, code)
			}
			if strings.Trim(code, "0123456789") != "" {
				t.Fatalf("non-numeric code %q", code)
			}
		}
	}
}

func TestRandomCodes_ZeroPadded(t *testing.T) {
	// An all-zero source yields the smallest value.
	g := RandomCodes{Digits: 4, Rand: bytes.NewReader(make([]byte, 64))}
	code, err := g.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if code != "0000" {
		t.Errorf("expected 0000, got %q", code)
	}
}

func TestRandomCodes_SourceFailure(t *testing.T) {
	g := RandomCodes{Digits: 4, Rand: bytes.NewReader(nil)}
	if _, err := g.Generate(); err == nil {
		t.Error("expected error from an exhausted source")
	}
}

package simhash

import (
	"testing"
)

func TestFingerprint_IdenticalTexts(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog"
	if Fingerprint(text) != Fingerprint(text) {
		t.Error("identical texts produced different fingerprints")
	}
}

func TestFingerprint_CaseAndPunctuationIgnored(t *testing.T) {
	a := Fingerprint("Hello, how can I help you today?")
	b := Fingerprint("hello how can i help you today")
	if a != b {
		t.Errorf("case/punctuation variants differ: distance %d", Distance(a, b))
	}
}

func TestFingerprint_DifferentTexts(t *testing.T) {
	fp1 := Fingerprint("the quick brown fox jumps over the lazy dog")
	fp2 := Fingerprint("completely unrelated content about quantum physics and mathematics")

	if dist := Distance(fp1, fp2); dist < 5 {
		t.Errorf("very different texts have too small distance: %d", dist)
	}
}

func TestFingerprint_Empty(t *testing.T) {
	for _, in := range []string{"", "   \t\n  ", "?! ..."} {
		if fp := Fingerprint(in); fp != 0 {
			t.Errorf("Fingerprint(%q) = %064b, want 0", in, fp)
		}
	}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b uint64
		want int
	}{
		{"identical", 0xFF, 0xFF, 0},
		{"all different", 0, ^uint64(0), 64},
		{"one bit", 0, 1, 1},
		{"two bits", 0, 3, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Distance(tt.a, tt.b); got != tt.want {
				t.Errorf("Distance(%d, %d) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestDetector(t *testing.T) {
	d := NewDetector()

	steps := []struct {
		text string
		want bool
	}{
		{"Paris is the capital of France.", false},
		{"paris is the capital of france", true},
		{"Photosynthesis converts light into chemical energy in plants.", false},
		{"", false},
		{"Photosynthesis converts light into chemical energy in plants.", true},
	}
	for i, s := range steps {
		if got := d.Seen(s.text); got != s.want {
			t.Errorf("step %d: Seen(%q) = %v, want %v", i, s.text, got, s.want)
		}
	}
}

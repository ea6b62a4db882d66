package debver

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Version
	}{
		{"1.0", Version{0, "1.0", ""}},
		{"1.0-1", Version{0, "1.0", "1"}},
		{"1:1.0", Version{1, "1.0", ""}},
		{"2:1.0-3", Version{2, "1.0", "3"}},
		{"1.0-1ubuntu2", Version{0, "1.0", "1ubuntu2"}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", ":1.0", "-1"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) expected error, got none", in)
		}
	}
}

func TestCompareOrdering(t *testing.T) {
	// Scenario 1: version ordering.
	versions := []string{"1.0", "1.0-1a", "1.0-1z", "1.0-10z", "1.1", "2.0", "1:1.0"}
	for i := 0; i < len(versions)-1; i++ {
		a, err := Parse(versions[i])
		if err != nil {
			t.Fatal(err)
		}
		b, err := Parse(versions[i+1])
		if err != nil {
			t.Fatal(err)
		}
		if c := Compare(a, b); c >= 0 {
			t.Errorf("Compare(%q, %q) = %d, want < 0", versions[i], versions[i+1], c)
		}
	}
}

func TestCompareTilde(t *testing.T) {
	tests := []struct{ a, b string }{
		{"1.0~rc1", "1.0"},
		{"1.0~", "1.0"},
		{"1.0~~", "1.0~"},
	}
	for _, tt := range tests {
		a, _ := Parse(tt.a)
		b, _ := Parse(tt.b)
		if c := Compare(a, b); c >= 0 {
			t.Errorf("Compare(%q, %q) = %d, want < 0", tt.a, tt.b, c)
		}
	}
}

func TestCompareAntisymmetricAndReflexive(t *testing.T) {
	samples := []string{"1.0", "1.0-1a", "1:0.5", "2.0~beta1", "3.4-2ubuntu1", "0:1.0-1"}
	for _, as := range samples {
		a, err := Parse(as)
		if err != nil {
			t.Fatal(err)
		}
		if Compare(a, a) != 0 {
			t.Errorf("Compare(%q, %q) != 0", as, as)
		}
		for _, bs := range samples {
			b, _ := Parse(bs)
			if Compare(a, b) != -Compare(b, a) {
				t.Errorf("Compare(%q,%q) != -Compare(%q,%q)", as, bs, bs, as)
			}
		}
	}
}

func TestSatisfies(t *testing.T) {
	v, _ := Parse("2.0")
	operand, _ := Parse("1.0")
	ok, err := Satisfies(v, OpGE, operand)
	if err != nil || !ok {
		t.Errorf("Satisfies(2.0 >= 1.0) = %v, %v", ok, err)
	}
	ok, err = Satisfies(v, OpLT, operand)
	if err != nil || ok {
		t.Errorf("Satisfies(2.0 << 1.0) = %v, %v, want false", ok, err)
	}
	if _, err := Satisfies(v, Op("??"), operand); err == nil {
		t.Error("expected error for unknown operator")
	}
}

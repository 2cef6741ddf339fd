package version

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1.2.3", "1.2.3"},
		{"v2.0.1", "2.0.1"},
		{" v0.10.0 ", "0.10.0"},
		{"1.0.0-rc.1+exp.sha", "1.0.0-rc.1+exp.sha"},
		{"3.1.4+build-7", "3.1.4+build-7"},
	}
	for _, tt := range tests {
		v, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.in, err)
		}
		if v.String() != tt.want {
			t.Fatalf("Parse(%q) = %s, want %s", tt.in, v, tt.want)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{
		"",
		"v",
		"1.2",
		"1.2.3.4",
		"01.2.3",
		"1.x.3",
		"1.2.3-",
		"1.2.3-rc..1",
		"1.2.3-01",
		"1.2.3-rc_1",
		"1.2.3+",
		"latest",
	} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded", in)
		}
	}
}

func TestSemVer_Compare(t *testing.T) {
	// ascending precedence
	ordered := []string{
		"0.9.9",
		"1.0.0-alpha",
		"1.0.0-alpha.1",
		"1.0.0-alpha.beta",
		"1.0.0-beta.2",
		"1.0.0-beta.11",
		"1.0.0-rc.1",
		"1.0.0",
		"1.0.1",
		"1.2.0",
		"2.0.0",
	}
	for i := range ordered {
		for j := range ordered {
			a, _ := Parse(ordered[i])
			b, _ := Parse(ordered[j])
			want := cmpUint(uint64(i), uint64(j))
			if got := a.Compare(b); got != want {
				t.Fatalf("%s vs %s = %d, want %d", ordered[i], ordered[j], got, want)
			}
		}
	}
}

func TestSemVer_CompareIgnoresBuild(t *testing.T) {
	a, _ := Parse("1.0.0+linux")
	b, _ := Parse("1.0.0+darwin")
	if a.Compare(b) != 0 {
		t.Fatal("build metadata must not affect precedence")
	}
}

package util

import (
	"sort"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		raw, cc, want string
	}{
		{"+1 (415) 555-0100", "1", "+14155550100"},
		{"0014155550100", "1", "+14155550100"},
		{"4155550100", "1", "+14155550100"},
		{"14155550100", "1", "+14155550100"},
		{"09121234567", "98", "+989121234567"},
		{"9121234567", "98", "+989121234567"},
		{"", "1", ""},
		{"12", "", ""},
	}
	for _, c := range cases {
		if got := NormalizePhone(c.raw, c.cc); got != c.want {
			t.Errorf("NormalizePhone(%q, %q) = %q, want %q", c.raw, c.cc, got, c.want)
		}
	}
}

func TestNewIDSorted(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = NewID()
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatal("ids not monotonic")
	}
	if ids[0] == ids[1] {
		t.Fatal("duplicate id")
	}
}

package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		// empty -> default
		{"", 10, 10},
		// valid ints
		{"42", 0, 42},
		{"-13", 1, -13},
		{"0012", 99, 12},
		// invalid -> default (no trim)
		{"x", 5, 5},
		{" 42", 7, 7},
		// overflow -> default
		{"999999999999999999999999", -1, -1},
	}

	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestPage(t *testing.T) {
	cases := []struct {
		page, size            string
		wantP, wantS, wantOff int
	}{
		{"", "", 1, DefaultPageSize, 0},
		{"3", "10", 3, 10, 20},
		{"0", "-5", 1, DefaultPageSize, 0},
		{"2", "100000", 2, MaxPageSize, MaxPageSize},
		{"x", "y", 1, DefaultPageSize, 0},
	}
	for _, tc := range cases {
		p, s, off := Page(tc.page, tc.size)
		if p != tc.wantP || s != tc.wantS || off != tc.wantOff {
			t.Fatalf("Page(%q, %q) = %d, %d, %d; want %d, %d, %d",
				tc.page, tc.size, p, s, off, tc.wantP, tc.wantS, tc.wantOff)
		}
	}
}

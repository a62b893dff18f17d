package forward

import (
	"reflect"
	"testing"
)

func settingsWith(mut func(*Settings)) Settings {
	s := DefaultSettings()
	if mut != nil {
		mut(&s)
	}
	return s
}

func TestApplyFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		mut  func(*Settings)
		want []string
	}{
		{
			name: "no filters enabled forwards nothing",
			text: "hello world 123",
			mut:  nil,
			want: nil,
		},
		{
			name: "raw text returns input verbatim",
			text: "hello world 123",
			mut:  func(s *Settings) { s.Filters.RawText = true },
			want: []string{"hello world 123"},
		},
		{
			name: "raw text short circuits other filters",
			text: "abc 123",
			mut: func(s *Settings) {
				s.Filters.RawText = true
				s.Filters.NumbersOnly = true
				s.Filters.RemovedNumeric = true
			},
			want: []string{"abc 123"},
		},
		{
			name: "empty text forwards nothing even with raw text",
			text: "   ",
			mut:  func(s *Settings) { s.Filters.RawText = true },
			want: nil,
		},
		{
			name: "numbers only requires a digit",
			text: "no digits here",
			mut:  func(s *Settings) { s.Filters.NumbersOnly = true },
			want: nil,
		},
		{
			name: "numbers only includes whole text",
			text: "order 42 shipped",
			mut:  func(s *Settings) { s.Filters.NumbersOnly = true },
			want: []string{"order 42 shipped"},
		},
		{
			name: "alphabets only rejects text containing digits",
			text: "call me at 555",
			mut:  func(s *Settings) { s.Filters.AlphabetsOnly = true },
			want: nil,
		},
		{
			name: "alphabets only includes pure letter text",
			text: "just words here",
			mut:  func(s *Settings) { s.Filters.AlphabetsOnly = true },
			want: []string{"just words here"},
		},
		{
			name: "removed alphabetic emits letter tokens",
			text: "abc 123 def g7",
			mut:  func(s *Settings) { s.Filters.RemovedAlphabetic = true },
			want: []string{"abc", "def"},
		},
		{
			name: "removed numeric emits digit tokens",
			text: "abc 123 def 456 g7",
			mut:  func(s *Settings) { s.Filters.RemovedNumeric = true },
			want: []string{"123", "456"},
		},
		{
			name: "union dedup keeps first occurrence order",
			text: "123",
			mut: func(s *Settings) {
				s.Filters.NumbersOnly = true
				s.Filters.RemovedNumeric = true
			},
			// whole text and the only token are identical, dedup collapses them
			want: []string{"123"},
		},
		{
			name: "union of letter and digit token filters",
			text: "abc 123",
			mut: func(s *Settings) {
				s.Filters.RemovedAlphabetic = true
				s.Filters.RemovedNumeric = true
			},
			want: []string{"abc", "123"},
		},
		{
			name: "duplicate tokens collapse",
			text: "7 7 7",
			mut:  func(s *Settings) { s.Filters.RemovedNumeric = true },
			want: []string{"7"},
		},
		{
			name: "prefix and suffix applied to every line",
			text: "abc 123",
			mut: func(s *Settings) {
				s.Filters.RemovedAlphabetic = true
				s.Filters.RemovedNumeric = true
				s.Prefix = "<<"
				s.Suffix = ">>"
			},
			want: []string{"<<abc>>", "<<123>>"},
		},
		{
			name: "prefix suffix applied even with flag off",
			text: "hello",
			mut: func(s *Settings) {
				s.Filters.RawText = true
				s.Filters.AddPrefixSuffix = false
				s.Prefix = "[x] "
			},
			want: []string{"[x] hello"},
		},
		{
			name: "unicode letters count as alphabetic",
			text: "héllo 123",
			mut:  func(s *Settings) { s.Filters.RemovedAlphabetic = true },
			want: []string{"héllo"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ApplyFilters(tc.text, settingsWith(tc.mut))
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ApplyFilters(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestApplyFiltersDeterministic(t *testing.T) {
	t.Parallel()
	s := settingsWith(func(s *Settings) {
		s.Filters.RemovedAlphabetic = true
		s.Filters.RemovedNumeric = true
		s.Prefix = "p:"
	})
	text := "one 1 two 2 one 1"
	first := ApplyFilters(text, s)
	for i := 0; i < 50; i++ {
		if got := ApplyFilters(text, s); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d: got %v, want %v", i, got, first)
		}
	}
}

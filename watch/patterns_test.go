package watch

import "testing"

func TestMatchIgnore(t *testing.T) {
	patterns := []string{"*.tmp", "logs/*", "options.txt"}

	cases := []struct {
		rel  string
		want bool
	}{
		{"scratch.tmp", true},
		{"mods/deep/scratch.tmp", true}, // suffix patterns apply at any depth
		{"logs/latest.log", true},
		{"logs/archive/old.log", true},
		{"options.txt", true},
		{"config/options.txt", false}, // exact match is whole-path
		{"mods/modpack.jar", false},
		{"logfile.txt", false}, // "logs/*" is a path prefix, not a stem
	}

	for _, tc := range cases {
		if got := matchIgnore(patterns, tc.rel); got != tc.want {
			t.Fatalf("matchIgnore(%q) = %v, want %v", tc.rel, got, tc.want)
		}
	}
}

func TestMatchIgnoreEmptyPatterns(t *testing.T) {
	if matchIgnore(nil, "anything") {
		t.Fatal("nil patterns must match nothing")
	}
	if matchIgnore([]string{""}, "anything") {
		t.Fatal("empty pattern must match nothing")
	}
}

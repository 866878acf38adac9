package topic

import "testing"

func TestMatchesWildcardFreeSelf(t *testing.T) {
	topics := []string{"a", "a/b", "a/b/c", "/finance", "sport/tennis/player1"}
	for _, tp := range topics {
		if !Matches(tp, tp) {
			t.Errorf("Matches(%q, %q) = false, want true", tp, tp)
		}
	}
}

func TestMatchesWildcardFreeDistinct(t *testing.T) {
	if Matches("a/b", "a/c") {
		t.Error("Matches(a/b, a/c) = true, want false")
	}
	if Matches("a", "a/b") {
		t.Error("Matches(a, a/b) = true, want false")
	}
}

func TestMatchesHashCatchAll(t *testing.T) {
	for _, tp := range []string{"a", "a/b", "a/b/c", "/finance", ""} {
		if !Matches("#", tp) {
			t.Errorf("Matches(#, %q) = false, want true", tp)
		}
	}
}

func TestMatchesHashTrailing(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"a/#", "a", true},
		{"a/#", "a/x", true},
		{"a/#", "a/x/y", true},
		{"a/#", "b", false},
		{"sport/tennis/#", "sport/tennis", true},
		{"sport/tennis/#", "sport/tennis/player1/ranking", true},
	}
	for _, c := range cases {
		if got := Matches(c.filter, c.topic); got != c.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", c.filter, c.topic, got, c.want)
		}
	}
}

func TestMatchesPlusSingleLevel(t *testing.T) {
	if !Matches("+", "a") {
		t.Error("Matches(+, a) = false, want true")
	}
	if Matches("+", "a/b") {
		t.Error("Matches(+, a/b) = true, want false")
	}
	if Matches("a/+", "a/b/c") {
		t.Error("Matches(a/+, a/b/c) = true, want false")
	}
	if !Matches("users/+/device/#", "users/alice/device/x/y") {
		t.Error("Matches(users/+/device/#, users/alice/device/x/y) = false, want true")
	}
	if Matches("users/+/device/#", "users/alice/deviceX/y") {
		t.Error("Matches(users/+/device/#, users/alice/deviceX/y) = true, want false")
	}
}

func TestMatchesLeadingSlashSignificant(t *testing.T) {
	if Matches("/finance", "finance") {
		t.Error("Matches(/finance, finance) = true, want false")
	}
	if !Matches("/finance", "/finance") {
		t.Error("Matches(/finance, /finance) = false, want true")
	}
	if !Matches("+/finance", "/finance") {
		t.Error("Matches(+/finance, /finance) = false, want true")
	}
}

func TestMatchesWildcardCharsInTopicNeverMatch(t *testing.T) {
	if Matches("#", "a/+") {
		t.Error("Matches(#, a/+) = true, want false")
	}
	if Matches("a/+", "a/+") {
		t.Error("Matches(a/+, a/+) = true, want false")
	}
}

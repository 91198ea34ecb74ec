package pathmatch

import "testing"

func TestMatchesLiteral(t *testing.T) {
	p := Compile("navigation.position")
	if !p.Matches("navigation.position") {
		t.Error("expected literal match")
	}
	if p.Matches("navigation.speedOverGround") {
		t.Error("expected literal mismatch")
	}
}

func TestMatchesSingleSegmentWildcard(t *testing.T) {
	p := Compile("navigation.*.temperature")
	if !p.Matches("navigation.water.temperature") {
		t.Error("expected single-segment wildcard match")
	}
	if p.Matches("navigation.water.deep.temperature") {
		t.Error("single-segment wildcard must not match extra depth")
	}
}

func TestMatchesTrailingWildcard(t *testing.T) {
	p := Compile("navigation.*")
	cases := []string{
		"navigation.position",
		"navigation.course.rhumbline.nextPoint.position",
	}
	for _, c := range cases {
		if !p.Matches(c) {
			t.Errorf("Matches(%q) = false, want true", c)
		}
	}
	if p.Matches("navigation") {
		t.Error("trailing wildcard requires at least one more segment")
	}
	if p.Matches("electrical.batteries.voltage") {
		t.Error("trailing wildcard must not match a different prefix")
	}
}

func TestMatchesBareStar(t *testing.T) {
	p := Compile("*")
	for _, v := range []string{"a", "a.b", "a.b.c.d"} {
		if !p.Matches(v) {
			t.Errorf("Matches(%q) = false, want true for bare *", v)
		}
	}
}

func TestMatchesDeterministic(t *testing.T) {
	p := Compile("a.*")
	for i := 0; i < 5; i++ {
		if !p.Matches("a.b.c.d") {
			t.Fatal("match result must be deterministic across repeated calls")
		}
	}
}

func TestMatchesContextSelfAlias(t *testing.T) {
	self := "vessels.urn:mrn:signalk:uuid:c0d79334-4e25-4245-8892-54e8ccc8021d"
	if !MatchesContext("vessels.self", self, self) {
		t.Error("vessels.self pattern must resolve against selfURN")
	}
	if !MatchesContext(self, "vessels.self", self) {
		t.Error("vessels.self context value must resolve against selfURN")
	}
	if !MatchesContext("vessels.*", "vessels.urn:mrn:signalk:uuid:other", self) {
		t.Error("vessels.* must match any vessel context")
	}
}

func TestStringRoundTrip(t *testing.T) {
	cases := []string{"*", "navigation.position", "navigation.*", "a.*.b"}
	for _, c := range cases {
		got := Compile(c).String()
		if got != c {
			t.Errorf("Compile(%q).String() = %q", c, got)
		}
	}
}

package actorid

import "testing"

func TestStringRoundTrip(t *testing.T) {
	cases := []ActorId{
		{Id: "room-1"},
		{Id: "room-1", Host: "10.0.0.1", Port: 9090},
	}
	for _, c := range cases {
		s := c.String()
		got, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", s, err)
		}
		if !got.Equal(c) {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, c)
		}
	}
}

func TestParseLocal(t *testing.T) {
	got, err := Parse("abc")
	if err != nil {
		t.Fatal(err)
	}
	if got.IsRemote() {
		t.Fatal("expected local id")
	}
	if got.Id != "abc" {
		t.Fatalf("got id %q", got.Id)
	}
}

func TestParseMalformedPort(t *testing.T) {
	for _, s := range []string{"abc@host:notaport", "abc@host:", "abc@:9090", "abc@host"} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q): expected error", s)
		}
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestNewIsUnique(t *testing.T) {
	a := New("room")
	b := New("room")
	if a.Equal(b) {
		t.Fatal("expected distinct generated ids")
	}
	if a.IsRemote() {
		t.Fatal("freshly assigned id must not be remote")
	}
}

package digest

import "testing"

func TestSumKnownVector(t *testing.T) {
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := Sum([]byte("hello")); string(got) != want {
		t.Fatalf("Sum(hello) = %s, want %s", got, want)
	}
}

func TestSumDeterministic(t *testing.T) {
	payloads := [][]byte{nil, {}, []byte("a"), []byte("hello"), make([]byte, 1<<16)}
	for _, p := range payloads {
		if Sum(p) != Sum(p) {
			t.Fatalf("Sum not deterministic for %d bytes", len(p))
		}
	}
	if Sum([]byte("a")) == Sum([]byte("b")) {
		t.Fatal("distinct payloads share a fingerprint")
	}
}

func TestStreamingMatchesSum(t *testing.T) {
	h := New()
	h.Write([]byte("hel"))
	h.Write([]byte("lo"))
	if Finish(h) != Sum([]byte("hello")) {
		t.Fatal("streaming hash differs from one-shot hash")
	}
}

func TestParse(t *testing.T) {
	good := string(Sum([]byte("hello")))
	if _, err := Parse(good); err != nil {
		t.Fatalf("Parse(%s): %v", good, err)
	}
	for _, bad := range []string{"", "abc", good[:Size-1] + "G", good + "00"} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("Parse(%q) should fail", bad)
		}
	}
}

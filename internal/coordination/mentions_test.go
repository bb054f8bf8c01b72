package coordination

import (
	"reflect"
	"testing"
)

func TestParseMentionsLowercasesAndDedups(t *testing.T) {
	got := ParseMentions("hey @Bob and @alice, also @Bob again and @ALICE")
	want := []string{"bob", "alice"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseMentions() = %v, want %v", got, want)
	}
}

func TestParseMentionsPreservesFirstSeenOrder(t *testing.T) {
	got := ParseMentions("@zeta then @alpha then @zeta")
	want := []string{"zeta", "alpha"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseMentions() = %v, want %v", got, want)
	}
}

func TestParseMentionsNoAtSign(t *testing.T) {
	got := ParseMentions("no mentions here at all")
	if len(got) != 0 {
		t.Errorf("ParseMentions() = %v, want empty", got)
	}
}

func TestParseMentionsEmptyContent(t *testing.T) {
	got := ParseMentions("")
	if len(got) != 0 {
		t.Errorf("ParseMentions(\"\") = %v, want empty", got)
	}
}

package router

import (
	"reflect"
	"testing"
)

func TestStripLeadingCQCodes_RemovesOnlyLeadingRun(t *testing.T) {
	got := stripLeadingCQCodes("[CQ:reply,id=12345][CQ:at,qq=10001] /echo hi [CQ:face,id=1]")
	want := "/echo hi [CQ:face,id=1]"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStripLeadingCQCodes_NoLeadingCodes(t *testing.T) {
	got := stripLeadingCQCodes("hello [CQ:face,id=1]")
	if got != "hello [CQ:face,id=1]" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestFindReplyID(t *testing.T) {
	id, ok := findReplyID("[CQ:reply,id=12345][CQ:at,qq=10001] /echo hi")
	if !ok || id != "12345" {
		t.Fatalf("expected reply id 12345, got %q ok=%v", id, ok)
	}
}

func TestFindReplyID_Absent(t *testing.T) {
	if _, ok := findReplyID("no reply here"); ok {
		t.Fatal("expected no reply id")
	}
}

func TestAtMentionsFromRaw(t *testing.T) {
	got := atMentionsFromRaw("[CQ:at,qq=10001] hi [CQ:at,qq=10002]")
	want := []string{"10001", "10002"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

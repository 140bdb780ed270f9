package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "邮箱 a@b.com 电话 +86 138 0000 0000"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "邮箱 a@b.com 电话 +86 138 0000 0000"
	got := Text(in)
	if got == in {
		t.Fatal("expected redaction")
	}
	if !strings.Contains(got, "[REDACTED_EMAIL]") {
		t.Fatalf("email not redacted: %q", got)
	}
	if !strings.Contains(got, "[REDACTED_PHONE]") {
		t.Fatalf("phone not redacted: %q", got)
	}
}

func TestRedactIDNumber(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text("身份证号是 11010519900101123X 对吧")
	if !strings.Contains(got, "[REDACTED_ID]") {
		t.Fatalf("id not redacted: %q", got)
	}
	if strings.Contains(got, "11010519900101123X") {
		t.Fatalf("raw id leaked: %q", got)
	}
}

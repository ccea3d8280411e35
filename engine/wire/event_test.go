package wire

import (
	"strings"
	"testing"
	"time"
)

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"presence_blast","sessionId":"s1"}`))
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
	if !strings.Contains(err.Error(), "unknown wire event type") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecodeRejectsMissingSessionID(t *testing.T) {
	_, err := Decode([]byte(`{"type":"message","body":"hi"}`))
	if err == nil {
		t.Fatal("expected error for missing sessionId")
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"message"`)); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestMessageEventRoundtrip(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	atts := []Attachment{{Filename: "receipt.pdf", MimeType: "application/pdf", SizeBytes: 1024, URL: "/files/abc/receipt.pdf"}}
	ev := NewMessageEvent("s1", "u1", "m1", SenderUser, "here you go", atts, ts)

	b, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != KindMessage || got.SessionID != "s1" || got.MessageID != "m1" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.Sender != SenderUser || got.Body != "here you go" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].URL != atts[0].URL {
		t.Fatalf("attachments lost: %+v", got.Attachments)
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("timestamp mismatch: %v", got.Timestamp)
	}
}

func TestTypingEventCarriesFlag(t *testing.T) {
	ev := NewTypingEvent("s1", "agent_7", true, time.Now())
	b, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.IsTyping == nil || !*got.IsTyping {
		t.Fatalf("isTyping not preserved: %+v", got)
	}
}

func TestUnreadCountEventPreservesZero(t *testing.T) {
	ev := NewUnreadCountEvent("s1", 0, time.Now())
	b, err := ev.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UnreadCount == nil || *got.UnreadCount != 0 {
		t.Fatalf("zero unread count must survive the wire: %+v", got)
	}
}

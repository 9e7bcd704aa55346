package ctlproto

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestParseRecognizedCommands(t *testing.T) {
	cases := map[string]Command{
		"Drain":  Drain,
		"Drop":   Drop,
		"Pause":  Pause,
		"Resume": Resume,
	}
	for line, want := range cases {
		got, err := Parse(line)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error %v", line, err)
		}
		if got != want {
			t.Errorf("Parse(%q) = %v, want %v", line, got, want)
		}
	}
}

func TestParseUnknownCommand(t *testing.T) {
	cmd, err := Parse("Frobnicate")
	if err != ErrInvalidCommand {
		t.Errorf("expected ErrInvalidCommand, got %v", err)
	}
	if cmd != Unknown {
		t.Errorf("expected Unknown, got %v", cmd)
	}
}

func TestReadCommandUnframed(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Pause"))
	cmd, err := ReadCommand(r)
	if err != nil {
		t.Fatal(err)
	}
	if cmd != Pause {
		t.Errorf("expected Pause, got %v", cmd)
	}
}

func TestWriteReplyInvalidIsSevenBytesNoTerminator(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReply(&buf, ReplyInvalid); err != nil {
		t.Fatal(err)
	}
	if len(ReplyInvalid) != 7 {
		t.Errorf("expected ReplyInvalid to be 7 bytes, got %d", len(ReplyInvalid))
	}
	if buf.String() != "Invalid" {
		t.Errorf("unexpected wire bytes: %q", buf.String())
	}
}

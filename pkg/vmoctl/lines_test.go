package vmoctl

import (
	"bytes"
	"strings"
	"testing"
)

func TestLineReaderWritesPromptAndReadsLine(t *testing.T) {
	var out bytes.Buffer
	r := NewLineReader(strings.NewReader("create root 4096\n"), &out, "vmoctl> ")

	line, eof := r.ReadLine()
	if line != "create root 4096" {
		t.Fatalf("unexpected line: %q", line)
	}
	if eof {
		t.Fatal("did not expect eof on the first read")
	}
	if !strings.HasPrefix(out.String(), "vmoctl> ") {
		t.Fatalf("expected prompt written before read, got %q", out.String())
	}
}

func TestLineReaderReportsEOF(t *testing.T) {
	r := NewLineReader(strings.NewReader(""), nil, "> ")
	_, eof := r.ReadLine()
	if !eof {
		t.Fatal("expected eof reading from an empty input")
	}
}

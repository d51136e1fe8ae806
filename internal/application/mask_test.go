package application

import (
	"bytes"
	"strings"
	"testing"
)

func TestMasker_ReplacesSecretValues(t *testing.T) {
	m := NewMasker(map[string]string{"TOKEN": "s3cr3t-value"})

	got := m.MaskString("posting with s3cr3t-value to the api")
	if got != "posting with *** to the api" {
		t.Errorf("unexpected masking: %q", got)
	}
}

func TestMasker_LongerSecretsWinOverContainedOnes(t *testing.T) {
	m := NewMasker(map[string]string{
		"SHORT": "abcd",
		"LONG":  "abcdefgh",
	})

	got := m.MaskString("x abcdefgh y")
	if got != "x *** y" {
		t.Errorf("containing secret should be masked whole, got %q", got)
	}
}

func TestMasker_IgnoresTrivialValues(t *testing.T) {
	m := NewMasker(map[string]string{"FLAG": "on"})

	got := m.MaskString("feature is on")
	if got != "feature is on" {
		t.Errorf("short values must not be masked: %q", got)
	}
}

func TestMasker_NilMasksNothing(t *testing.T) {
	var m *Masker

	if got := m.MaskString("anything"); got != "anything" {
		t.Errorf("nil masker changed input: %q", got)
	}
}

func TestMaskWriter_MasksAcrossSplitWrites(t *testing.T) {
	m := NewMasker(map[string]string{"TOKEN": "s3cr3t-value"})

	var out bytes.Buffer
	w := m.Writer(&out)

	// The secret arrives split across two writes of the same line.
	if _, err := w.Write([]byte("auth: s3cr")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("3t-value used\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if got := out.String(); got != "auth: *** used\n" {
		t.Errorf("split secret escaped masking: %q", got)
	}
}

func TestMaskWriter_FlushesPerLine(t *testing.T) {
	m := NewMasker(map[string]string{"TOKEN": "s3cr3t-value"})

	var out bytes.Buffer
	w := m.Writer(&out)

	if _, err := w.Write([]byte("first line\npartial")); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "first line\n" {
		t.Errorf("complete line should flush immediately, got %q", got)
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "first line\npartial" {
		t.Errorf("close should flush the tail, got %q", got)
	}
}

func TestMaskWriter_BoundsBufferingOfEndlessLines(t *testing.T) {
	m := NewMasker(map[string]string{"TOKEN": "s3cr3t-value"})

	var out bytes.Buffer
	w := m.Writer(&out)

	chunk := strings.Repeat("x", 32*1024)
	for i := 0; i < 4; i++ {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}

	if out.Len() == 0 {
		t.Error("oversized line was never flushed")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 4*32*1024 {
		t.Errorf("expected all bytes flushed, got %d", out.Len())
	}
}

func TestMaskWriter_ReportsBytesConsumed(t *testing.T) {
	m := NewMasker(nil)

	var out bytes.Buffer
	w := m.Writer(&out)

	n, err := w.Write([]byte("a\nb\nc"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("expected 5 bytes consumed, got %d", n)
	}
}

package item

import (
	"testing"
	"time"
)

func TestNewFunctionCallOutput(t *testing.T) {
	it := NewFunctionCallOutput("call-1", "hello", 0, 250*time.Millisecond)
	if it.Kind != KindFunctionCallOutput {
		t.Fatalf("Kind = %v, want %v", it.Kind, KindFunctionCallOutput)
	}
	if it.CallID != "call-1" {
		t.Errorf("CallID = %q", it.CallID)
	}
	if it.ExitCode == nil || *it.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", it.ExitCode)
	}
	if it.DurationSecs == nil || *it.DurationSecs != 0.25 {
		t.Errorf("DurationSecs = %v, want 0.25", it.DurationSecs)
	}
}

func TestAbortedOutput(t *testing.T) {
	it := AbortedOutput("call-2")
	if it.Output != "aborted" {
		t.Errorf("Output = %q, want %q", it.Output, "aborted")
	}
	if it.ExitCode == nil || *it.ExitCode != 1 {
		t.Errorf("ExitCode = %v, want 1", it.ExitCode)
	}
	if it.DurationSecs == nil || *it.DurationSecs != 0 {
		t.Errorf("DurationSecs = %v, want 0", it.DurationSecs)
	}
	if it.CallID != "call-2" {
		t.Errorf("CallID = %q", it.CallID)
	}
}

func TestMessageText(t *testing.T) {
	it := NewUserMessage("hi there")
	if it.Text() != "hi there" {
		t.Errorf("Text() = %q", it.Text())
	}
	multi := Item{Content: []ContentPart{{Text: "a"}, {Text: "b"}}}
	if multi.Text() != "ab" {
		t.Errorf("Text() = %q, want %q", multi.Text(), "ab")
	}
}

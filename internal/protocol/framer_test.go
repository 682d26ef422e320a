package protocol

import (
	"fmt"
	"strings"
	"testing"
)

func collectFrames(t *testing.T, f *Framer, chunks ...string) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		frames, err := f.Append([]byte(c))
		if err != nil {
			t.Fatalf("Append(%q) failed: %v", c, err)
		}
		for _, fr := range frames {
			out = append(out, string(fr))
		}
	}
	return out
}

func TestFramerNewlineDelimited(t *testing.T) {
	f := NewFramer(1024)
	got := collectFrames(t, f, "{\"type\":\"heartbeat\"}\n{\"type\":\"job_request\"}\n")
	want := []string{`{"type":"heartbeat"}`, `{"type":"job_request"}`}
	if len(got) != len(want) {
		t.Fatalf("got %d frames %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if f.Buffered() != 0 {
		t.Errorf("buffer should be empty, has %d bytes", f.Buffered())
	}
}

func TestFramerEmptyLinesIgnored(t *testing.T) {
	f := NewFramer(1024)
	got := collectFrames(t, f, "\n\n  \n{\"type\":\"heartbeat\"}\n\n")
	if len(got) != 1 || got[0] != `{"type":"heartbeat"}` {
		t.Errorf("got %v, want single heartbeat frame", got)
	}
}

// Two concatenated objects with no delimiter arrive as one chunk; the
// framer must emit exactly two messages in order.
func TestFramerNoDelimiter(t *testing.T) {
	f := NewFramer(1024)
	got := collectFrames(t, f,
		`{"type":"heartbeat","timestamp":"t","data":{}}{"type":"job_request","timestamp":"t","data":{}}`)
	if len(got) != 2 {
		t.Fatalf("got %d frames %v, want 2", len(got), got)
	}
	if !strings.Contains(got[0], "heartbeat") || !strings.Contains(got[1], "job_request") {
		t.Errorf("frames out of order: %v", got)
	}
	if f.Buffered() != 0 {
		t.Errorf("buffer should be empty, has %d bytes", f.Buffered())
	}
}

func TestFramerPartialAcrossChunks(t *testing.T) {
	frame := `{"type":"job_progress","jobId":"j-1","data":{"stage":"fetching","processed":40}}`

	// Split the frame at every possible boundary; reassembly must always
	// yield exactly the original frame.
	for i := 1; i < len(frame); i++ {
		t.Run(fmt.Sprintf("split_%d", i), func(t *testing.T) {
			f := NewFramer(1024)
			first, err := f.Append([]byte(frame[:i]))
			if err != nil {
				t.Fatal(err)
			}
			if len(first) != 0 {
				t.Fatalf("partial chunk produced frames: %v", first)
			}
			if f.Buffered() != i {
				t.Errorf("Buffered() = %d, want %d", f.Buffered(), i)
			}
			rest, err := f.Append([]byte(frame[i:]))
			if err != nil {
				t.Fatal(err)
			}
			if len(rest) != 1 || string(rest[0]) != frame {
				t.Errorf("reassembled = %v, want original frame", rest)
			}
		})
	}
}

func TestFramerBracesInsideStrings(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"close brace in string", `{"msg":"}"}`, 1},
		{"open brace in string", `{"msg":"{"}`, 1},
		{"both braces in string", `{"msg":"}{"}`, 1},
		{"escaped quote", `{"msg":"say \"hi\" {"}`, 1},
		{"escaped backslash then quote", `{"path":"C:\\"}`, 1},
		{"two frames with tricky strings", `{"a":"}"}{"b":"{"}`, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFramer(1024)
			got := collectFrames(t, f, tt.input)
			if len(got) != tt.want {
				t.Errorf("got %d frames %v, want %d", len(got), got, tt.want)
			}
			if f.Buffered() != 0 {
				t.Errorf("buffer should be empty, has %d bytes", f.Buffered())
			}
		})
	}
}

func TestFramerMixedModes(t *testing.T) {
	f := NewFramer(1024)
	got := collectFrames(t, f, "{\"a\":1}\n{\"b\":2}{\"c\":3}")
	if len(got) != 3 {
		t.Fatalf("got %d frames %v, want 3", len(got), got)
	}
	want := []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFramerMultipleObjectsOnOneLine(t *testing.T) {
	f := NewFramer(1024)
	got := collectFrames(t, f, "{\"a\":1}{\"b\":2}\n")
	if len(got) != 2 {
		t.Fatalf("got %d frames %v, want 2", len(got), got)
	}
}

func TestFramerNonJSONLinePassedUp(t *testing.T) {
	// Garbage lines are handed up so the connection can log the reject.
	f := NewFramer(1024)
	got := collectFrames(t, f, "hello there\n")
	if len(got) != 1 || got[0] != "hello there" {
		t.Errorf("got %v, want raw garbage line", got)
	}
}

func TestFramerPartialStaysBuffered(t *testing.T) {
	f := NewFramer(1024)
	got := collectFrames(t, f, `{"a":1}{"b":`)
	if len(got) != 1 || got[0] != `{"a":1}` {
		t.Fatalf("got %v, want one complete frame", got)
	}
	if f.Buffered() == 0 {
		t.Fatal("partial frame should stay buffered")
	}
	got = collectFrames(t, f, `2}`)
	if len(got) != 1 || got[0] != `{"b":2}` {
		t.Errorf("completion got %v, want {\"b\":2}", got)
	}
}

func TestFramerMessageTooLarge(t *testing.T) {
	f := NewFramer(32)
	big := strings.Repeat("x", 33)
	if _, err := f.Append([]byte(big)); err != ErrMessageTooLarge {
		t.Errorf("err = %v, want ErrMessageTooLarge", err)
	}
	if f.Buffered() != 0 {
		t.Errorf("oversized chunk must not be buffered, has %d bytes", f.Buffered())
	}
}

func TestFramerBufferOverflow(t *testing.T) {
	f := NewFramer(32)
	if _, err := f.Append([]byte(strings.Repeat("a", 20))); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Append([]byte(strings.Repeat("b", 20))); err != ErrBufferOverflow {
		t.Errorf("err = %v, want ErrBufferOverflow", err)
	}
	// The earlier bytes survive the rejected append.
	if f.Buffered() != 20 {
		t.Errorf("Buffered() = %d, want 20", f.Buffered())
	}
}

func TestFramerReset(t *testing.T) {
	f := NewFramer(64)
	if _, err := f.Append([]byte(`{"partial":`)); err != nil {
		t.Fatal(err)
	}
	f.Reset()
	if f.Buffered() != 0 {
		t.Errorf("Buffered() = %d after Reset, want 0", f.Buffered())
	}
}

// Any partitioning of a frame sequence into chunks yields exactly the
// balanced frames of the sequence.
func TestFramerChunkingInvariance(t *testing.T) {
	stream := `{"type":"heartbeat","data":{"activeJobs":1}}` + "\n" +
		`{"type":"job_progress","jobId":"j","data":{"stage":"fetching"}}` +
		`{"type":"job_completed","jobId":"j","data":{"success":true}}`

	for size := 1; size <= len(stream); size += 7 {
		t.Run(fmt.Sprintf("chunk_%d", size), func(t *testing.T) {
			f := NewFramer(4096)
			var got []string
			for start := 0; start < len(stream); start += size {
				end := start + size
				if end > len(stream) {
					end = len(stream)
				}
				frames, err := f.Append([]byte(stream[start:end]))
				if err != nil {
					t.Fatal(err)
				}
				for _, fr := range frames {
					got = append(got, string(fr))
				}
			}
			if len(got) != 3 {
				t.Fatalf("got %d frames %v, want 3", len(got), got)
			}
			if !strings.Contains(got[0], "heartbeat") ||
				!strings.Contains(got[1], "job_progress") ||
				!strings.Contains(got[2], "job_completed") {
				t.Errorf("frames wrong or out of order: %v", got)
			}
			if f.Buffered() != 0 {
				t.Errorf("buffer should be empty, has %d bytes", f.Buffered())
			}
		})
	}
}

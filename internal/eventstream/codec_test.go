package eventstream

import (
	"encoding/binary"
	"testing"
)

func buildFrame(payload []byte) []byte {
	totalLen := uint32(preludeLen + len(payload) + trailingCRCLen)
	buf := make([]byte, 0, totalLen)
	header := make([]byte, preludeLen)
	binary.BigEndian.PutUint32(header[0:4], totalLen)
	binary.BigEndian.PutUint32(header[4:8], 0)
	binary.BigEndian.PutUint32(header[8:12], 0xdeadbeef)
	buf = append(buf, header...)
	buf = append(buf, payload...)
	buf = append(buf, 0, 0, 0, 0)
	return buf
}

func TestDecoderSingleFrame(t *testing.T) {
	d := NewDecoder()
	d.Feed(buildFrame([]byte(`{"content":"hi"}`)))

	f, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected a frame, got ok=%v err=%v", ok, err)
	}
	content, has := ExtractContent(f)
	if !has || content != "hi" {
		t.Fatalf("expected content=hi, got %q (%v)", content, has)
	}
	if d.Pending() != 0 {
		t.Fatalf("expected no leftover bytes, got %d", d.Pending())
	}
}

func TestDecoderPartialFrameAcrossChunks(t *testing.T) {
	d := NewDecoder()
	full := buildFrame([]byte(`{"content":"split"}`))

	d.Feed(full[:5])
	if _, ok, _ := d.Next(); ok {
		t.Fatal("expected no frame from partial bytes")
	}
	d.Feed(full[5:])
	f, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected a frame after full bytes fed, got ok=%v err=%v", ok, err)
	}
	content, _ := ExtractContent(f)
	if content != "split" {
		t.Fatalf("expected content=split, got %q", content)
	}
}

func TestDecoderMultipleFramesInOneChunk(t *testing.T) {
	d := NewDecoder()
	d.Feed(append(buildFrame([]byte(`{"content":"a"}`)), buildFrame([]byte(`{"content":"b"}`))...))

	var got []string
	for {
		f, ok, err := d.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		c, _ := ExtractContent(f)
		got = append(got, c)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func TestDecoderResyncsPastGarbageByte(t *testing.T) {
	d := NewDecoder()
	garbage := []byte{0xff}
	d.Feed(append(garbage, buildFrame([]byte(`{"content":"ok"}`))...))

	f, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected decoder to resync, got ok=%v err=%v", ok, err)
	}
	content, _ := ExtractContent(f)
	if content != "ok" {
		t.Fatalf("expected content=ok after resync, got %q", content)
	}
}

func TestToolUseAssemblerAccumulatesAndCompletes(t *testing.T) {
	a := NewToolUseAssembler()

	if _, ok := a.Feed(ToolUseEvent{ToolUseID: "tu1", Name: "search", Input: `{"q":`}); ok {
		t.Fatal("expected no completion on first fragment")
	}
	done, ok := a.Feed(ToolUseEvent{ToolUseID: "tu1", Input: `"go"}`, Stop: true})
	if !ok {
		t.Fatal("expected completion on stop fragment")
	}
	if done.Name != "search" || string(done.Input) != `{"q":"go"}` {
		t.Fatalf("unexpected assembled tool use: %+v", done)
	}
}

func TestToolUseAssemblerIsolatesConcurrentCalls(t *testing.T) {
	a := NewToolUseAssembler()
	a.Feed(ToolUseEvent{ToolUseID: "tu1", Input: `{"a":`})
	a.Feed(ToolUseEvent{ToolUseID: "tu2", Input: `{"b":`})

	done1, ok1 := a.Feed(ToolUseEvent{ToolUseID: "tu1", Input: `1}`, Stop: true})
	if !ok1 || string(done1.Input) != `{"a":1}` {
		t.Fatalf("tu1 assembly corrupted: %+v", done1)
	}
	done2, ok2 := a.Feed(ToolUseEvent{ToolUseID: "tu2", Input: `2}`, Stop: true})
	if !ok2 || string(done2.Input) != `{"b":2}` {
		t.Fatalf("tu2 assembly corrupted: %+v", done2)
	}
}

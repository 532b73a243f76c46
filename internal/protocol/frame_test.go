package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func frame(payload []byte) []byte {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func TestDecoder_WholeFrame(t *testing.T) {
	d := NewDecoder(1024)
	frames, err := d.Push(frame([]byte(`{"type":"ping"}`)))
	if err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if len(frames) != 1 || string(frames[0]) != `{"type":"ping"}` {
		t.Errorf("frames = %q", frames)
	}
}

func TestDecoder_PartialPreserved(t *testing.T) {
	d := NewDecoder(1024)
	full := frame([]byte("abcdefgh"))

	frames, err := d.Push(full[:6]) // header + 2 of 8 payload bytes
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Fatal("partial frame dispatched")
	}
	if d.Buffered() != 6 {
		t.Errorf("Buffered() = %d, want 6", d.Buffered())
	}

	frames, err = d.Push(full[6:])
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 || string(frames[0]) != "abcdefgh" {
		t.Errorf("frames = %q after completing", frames)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d after full frame", d.Buffered())
	}
}

func TestDecoder_MultipleFramesOneRead(t *testing.T) {
	d := NewDecoder(1024)
	data := append(frame([]byte("one")), frame([]byte("two"))...)
	frames, err := d.Push(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || string(frames[0]) != "one" || string(frames[1]) != "two" {
		t.Errorf("frames = %q", frames)
	}
}

func TestDecoder_OversizeFrameErrors(t *testing.T) {
	d := NewDecoder(16)
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 17)
	_, err := d.Push(header[:])
	var tooLarge *ErrFrameTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("Push() error = %v, want ErrFrameTooLarge", err)
	}
	if tooLarge.Declared != 17 || tooLarge.Max != 16 {
		t.Errorf("error = %+v", tooLarge)
	}
}

func TestDecoder_SplitHeader(t *testing.T) {
	d := NewDecoder(1024)
	full := frame([]byte("xy"))

	frames, err := d.Push(full[:2]) // half the header
	if err != nil || len(frames) != 0 {
		t.Fatalf("half header: frames=%v err=%v", frames, err)
	}
	frames, err = d.Push(full[2:])
	if err != nil || len(frames) != 1 || string(frames[0]) != "xy" {
		t.Fatalf("completed: frames=%q err=%v", frames, err)
	}
}

func TestParseMsg(t *testing.T) {
	m, err := ParseMsg([]byte(`{"type":"login_start","token":"T","msg_id":7}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.Type() != TypeLoginStart {
		t.Errorf("Type() = %q", m.Type())
	}
	if id, ok := m.MsgID(); !ok || id != 7 {
		t.Errorf("MsgID() = %v, %v", id, ok)
	}

	if _, err := ParseMsg([]byte(`{"token":"T"}`)); err == nil {
		t.Error("message without type should fail")
	}
	if _, err := ParseMsg([]byte(`not json`)); err == nil {
		t.Error("garbage should fail")
	}
}

func TestPingReply(t *testing.T) {
	reply := PingReply(Msg{"type": TypePing, "msg_id": float64(3)})
	if reply["success"] != true {
		t.Error("ping reply not successful")
	}
	if reply["msg_id"] != float64(3) {
		t.Error("msg_id not echoed")
	}
	if _, ok := reply["ts"].(int64); !ok {
		t.Error("ts missing")
	}
}

func TestIsMoveEnd(t *testing.T) {
	for _, typ := range []string{"signpost_move_end", "follow_move_end", "door_move_end", "teleport_move_end"} {
		if !IsMoveEnd(typ) {
			t.Errorf("IsMoveEnd(%q) = false", typ)
		}
	}
	if IsMoveEnd("login_start") {
		t.Error("IsMoveEnd(login_start) = true")
	}
}

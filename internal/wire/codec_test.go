package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	c := New(buf)

	payload, err := Marshal(Ack{Seq: 42})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.WriteFrame(Frame{Kind: KindAck, Payload: payload}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	got, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got.Kind != KindAck {
		t.Fatalf("expected kind %d, got %d", KindAck, got.Kind)
	}

	var ack Ack
	if err := Unmarshal(got.Payload, &ack); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ack.Seq != 42 {
		t.Fatalf("expected seq 42, got %d", ack.Seq)
	}
}

func TestCodecReadFrameEOF(t *testing.T) {
	c := New(&bytes.Buffer{})
	if _, err := c.ReadFrame(); err != io.EOF {
		t.Fatalf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestCodecCloseRejectsWrites(t *testing.T) {
	buf := &bytes.Buffer{}
	c := New(buf)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.WriteFrame(Frame{Kind: KindAck}); err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestCodecRejectsOversizedFrame(t *testing.T) {
	buf := &bytes.Buffer{}
	c := New(buf)
	huge := Frame{Kind: KindDispatch, Payload: make([]byte, MaxFrameSize+1)}
	if err := c.WriteFrame(huge); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestEncodeDecodeMultipleFrames(t *testing.T) {
	buf := &bytes.Buffer{}
	c := New(buf)

	f1, err := Encode(KindHello, Hello{WorkerID: 7})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	f2, err := Encode(KindComplete, Complete{})
	if err != nil {
		t.Fatalf("encode complete: %v", err)
	}
	if err := c.WriteFrame(f1); err != nil {
		t.Fatalf("write f1: %v", err)
	}
	if err := c.WriteFrame(f2); err != nil {
		t.Fatalf("write f2: %v", err)
	}

	got1, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("read f1: %v", err)
	}
	var hello Hello
	if err := Unmarshal(got1.Payload, &hello); err != nil {
		t.Fatalf("unmarshal hello: %v", err)
	}
	if hello.WorkerID != 7 {
		t.Fatalf("expected worker id 7, got %d", hello.WorkerID)
	}

	got2, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("read f2: %v", err)
	}
	if got2.Kind != KindComplete {
		t.Fatalf("expected kind %d, got %d", KindComplete, got2.Kind)
	}
}

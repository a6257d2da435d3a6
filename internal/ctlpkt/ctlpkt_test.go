package ctlpkt

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cp := NewRequest(AddLink, 42)
	cp.Set(IfaceNum, 3)
	cp.Set(PeerPort, 30123)
	cp.Set(BitRate, 1000)

	got, err := Decode(cp.Encode())
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if got.Cmd != cp.Cmd || got.Request != cp.Request || got.SeqNum != cp.SeqNum {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, cp)
	}
	for code, want := range cp.Attrs {
		if v, ok := got.Get(code); !ok || v != want {
			t.Errorf("attr %v = %v, ok=%v; want %v", code, v, ok, want)
		}
	}
}

func TestReplyToNegativeCarriesErrMsg(t *testing.T) {
	req := NewRequest(AddComtree, 7)
	reply := req.ReplyTo(false, "comtree already exists")
	if reply.Request {
		t.Errorf("reply.Request = true, want false")
	}
	if reply.SeqNum != req.SeqNum {
		t.Errorf("reply.SeqNum = %d, want %d", reply.SeqNum, req.SeqNum)
	}
	if reply.Success() {
		t.Errorf("Success() = true, want false for a negative reply")
	}

	got, err := Decode(reply.Encode())
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if got.ErrMsg != "comtree already exists" {
		t.Errorf("ErrMsg = %q, want %q", got.ErrMsg, "comtree already exists")
	}
}

func TestReplyToPositiveHasNoErrMsg(t *testing.T) {
	req := NewRequest(GetLink, 1)
	reply := req.ReplyTo(true, "")
	if !reply.Success() {
		t.Errorf("Success() = false, want true for a positive reply")
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	if _, err := Decode([]byte{0, 1, 2}); err == nil {
		t.Errorf("Decode() on a too-short buffer should fail")
	}
}

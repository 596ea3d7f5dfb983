package debugcon

import (
	"bytes"
	"testing"
)

func TestWrite(t *testing.T) {
	var out bytes.Buffer
	dev := &Device{Output: &out}

	if err := dev.WriteIOPort(Port, []byte("keep online\n")); err != nil {
		t.Fatalf("WriteIOPort: %v", err)
	}

	if got := out.String(); got != "keep online\n" {
		t.Errorf("output = %q", got)
	}
}

func TestReadSignature(t *testing.T) {
	dev := &Device{}

	data := make([]byte, 1)
	if err := dev.ReadIOPort(Port, data); err != nil {
		t.Fatalf("ReadIOPort: %v", err)
	}

	if data[0] != signature {
		t.Errorf("read %#x, want signature %#x", data[0], byte(signature))
	}
}

func TestWriteWithoutOutput(t *testing.T) {
	dev := &Device{}

	if err := dev.WriteIOPort(Port, []byte("dropped")); err != nil {
		t.Fatalf("WriteIOPort without output: %v", err)
	}
}

package hostio

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigSpace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")

	b := make([]byte, 256)
	// Intel PIIX3 IDE function
	copy(b[0x00:], []byte{0x86, 0x80, 0x10, 0x70})
	copy(b[0x08:], []byte{0x00, 0x80, 0x01, 0x01})
	copy(b[0x20:], []byte{0x41, 0xc0, 0x00, 0x00})
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cs, err := openConfigSpace(path)
	if err != nil {
		t.Fatalf("failed to open config space: %v", err)
	}
	defer cs.Close()

	var tests = []struct {
		desc  string
		reg   int
		width int
		v     uint32
	}{
		{desc: "vendor", reg: 0x00, width: 2, v: 0x8086},
		{desc: "device", reg: 0x02, width: 2, v: 0x7010},
		{desc: "ID dword", reg: 0x00, width: 4, v: 0x70108086},
		{desc: "prog IF", reg: 0x09, width: 1, v: 0x80},
		{desc: "class", reg: 0x0b, width: 1, v: 0x01},
		{desc: "BAR4", reg: 0x20, width: 4, v: 0xc041},
		{desc: "bad width", reg: 0x00, width: 3, v: 0xffffffff},
		{desc: "past end", reg: 0x100, width: 4, v: 0xffffffff},
	}

	for i, tt := range tests {
		if want, got := tt.v, cs.ReadConfig(tt.reg, tt.width); want != got {
			t.Fatalf("[%02d] test %q, unexpected value: %#x != %#x",
				i, tt.desc, want, got)
		}
	}

	if cs.Err() == nil {
		t.Fatal("expected an error after failed reads")
	}

	cs.WriteConfig(0x04, 2, 0x0005)
	if want, got := uint32(0x0005), cs.ReadConfig(0x04, 2); want != got {
		t.Fatalf("unexpected command register: %#x != %#x", want, got)
	}
}

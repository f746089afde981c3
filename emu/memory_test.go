package emu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mdlayher/pata"
)

func TestMemory(t *testing.T) {
	m := NewMemory(2)

	a, pa, err := m.AllocPage()
	if err != nil {
		t.Fatalf("failed to allocate: %v", err)
	}
	b, _, err := m.AllocPage()
	if err != nil {
		t.Fatalf("failed to allocate: %v", err)
	}
	if a != pageBase || b != pageBase+pata.PageSize {
		t.Fatalf("unexpected page addresses: %#x, %#x", a, b)
	}
	if _, _, err := m.AllocPage(); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("expected ErrNoMemory, got: %v", err)
	}

	// Accesses may span adjacent pages
	want := bytes.Repeat([]byte{0xa5}, 16)
	if err := m.Write(a+pata.PageSize-8, want); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	got := make([]byte, len(want))
	if err := m.Read(a+pata.PageSize-8, got); err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("unexpected data: %x != %x", want, got)
	}
	if !bytes.Equal(want[:8], pa[pata.PageSize-8:]) {
		t.Fatal("write not visible through the page slice")
	}

	m.FreePage(b)
	if want, got := 1, m.Allocated(); want != got {
		t.Fatalf("unexpected allocated pages: %d != %d", want, got)
	}
	if err := m.Read(b, got); !errors.Is(err, errBadAddress) {
		t.Fatalf("expected bad address, got: %v", err)
	}

	// Freed pages are reused
	if c, _, err := m.AllocPage(); err != nil || c != b {
		t.Fatalf("unexpected reallocation: %#x, %v", c, err)
	}
}

func TestMemoryFreeUnallocatedPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic")
		}
	}()

	NewMemory(0).FreePage(pageBase)
}

package xip_test

import (
	"bytes"
	"testing"

	"github.com/autopeer-io/flashota/internal/flash"
	"github.com/autopeer-io/flashota/internal/flash/flashtest"
	"github.com/autopeer-io/flashota/internal/flash/xip"
)

func TestReadDrainsStaleFIFO(t *testing.T) {
	chip := flashtest.NewChip(64 * 1024)
	chip.Fill(16, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0x11, 0x22, 0x33, 0x44})
	chip.StaleFIFO(0xdeadbeef, 0xfeedface)

	f := xip.New(chip, chip)
	got := make([]byte, 8)
	n, err := f.ReadWords(16, got)
	if err != nil || n != 8 {
		t.Fatalf("ReadWords = %d, %v", n, err)
	}
	if !bytes.Equal(got, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0x11, 0x22, 0x33, 0x44}) {
		t.Errorf("got % x", got)
	}
	if !chip.FIFOEmpty() {
		t.Error("FIFO not empty after read")
	}
}

func TestReadLargerThanScratch(t *testing.T) {
	chip := flashtest.NewChip(64 * 1024)
	want := make([]byte, 3*flash.SectorSize)
	for i := range want {
		want[i] = byte(i * 7)
	}
	chip.Fill(0, want)

	got := make([]byte, len(want))
	if _, err := xip.New(chip, chip).ReadWords(0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("data mismatch")
	}
}

func TestUnalignedRejected(t *testing.T) {
	chip := flashtest.NewChip(64 * 1024)
	if _, err := xip.New(chip, chip).ReadWords(1, make([]byte, 4)); err == nil {
		t.Error("expected an error for an unaligned address")
	}
}

func TestProgramThroughSPI(t *testing.T) {
	chip := flashtest.NewChip(64 * 1024)
	f := xip.New(chip, chip)
	if _, err := f.Program(0, []byte{0x00, 0x0f}); err != nil {
		t.Fatal(err)
	}
	if chip.Programs != 1 || chip.Mem()[1] != 0x0f {
		t.Errorf("programs = %d, mem[1] = %#02x", chip.Programs, chip.Mem()[1])
	}
}

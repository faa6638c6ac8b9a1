package main

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	ehsize    = 64
	phentsize = 56
)

// buildELF64 synthesizes a minimal x86_64 ELF executable with a single
// PT_LOAD, RWX segment — just enough for internal/loader.ParseELF to
// accept (mirrors internal/loader's own test helper; duplicated rather
// than exported, since it's test-only scaffolding).
func buildELF64(t *testing.T, vaddrBase uint64, data []byte, memsz uint64) []byte {
	t.Helper()
	var buf bytes.Buffer

	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8))

	ehdr := struct {
		Type, Machine              uint16
		Version                    uint32
		Entry, Phoff, Shoff        uint64
		Flags                      uint32
		Ehsize, Phentsize, Phnum   uint16
		Shentsize, Shnum, Shstrndx uint16
	}{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Entry:     vaddrBase,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     1,
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, ehdr))

	phdr := struct {
		Type, Flags          uint32
		Off, Vaddr, Paddr    uint64
		Filesz, Memsz, Align uint64
	}{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
		Off:    uint64(ehsize + phentsize),
		Vaddr:  vaddrBase,
		Paddr:  vaddrBase,
		Filesz: uint64(len(data)),
		Memsz:  memsz,
		Align:  0x1000,
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, phdr))
	buf.Write(data)

	return buf.Bytes()
}

const (
	headerSize     = 8
	descriptorSize = 32
)

// buildBootInfo mirrors internal/bootinfo's own test helper: a header plus
// one fixed-size descriptor per module, followed by a name table.
func buildBootInfo(t *testing.T, cmdLine string, archiveSize uint64) []byte {
	t.Helper()
	name := []byte(cmdLine)
	page := make([]byte, headerSize+descriptorSize+len(name))
	binary.LittleEndian.PutUint64(page[0:8], 1)

	nameBase := headerSize + descriptorSize
	binary.LittleEndian.PutUint64(page[8:16], uint64(nameBase))
	binary.LittleEndian.PutUint64(page[16:24], uint64(len(name)))
	binary.LittleEndian.PutUint64(page[24:32], 0)
	binary.LittleEndian.PutUint64(page[32:40], archiveSize)
	copy(page[nameBase:], name)
	return page
}

func TestRunBootsOneModuleThenShutsDownOnCancel(t *testing.T) {
	image := buildELF64(t, 0x400000, []byte("hello world"), 0x2000)
	page := buildBootInfo(t, "userland-init", uint64(len(image)))

	dir := t.TempDir()
	infoPath := filepath.Join(dir, "bootinfo.bin")
	archivePath := filepath.Join(dir, "archive.bin")
	require.NoError(t, os.WriteFile(infoPath, page, 0644))
	require.NoError(t, os.WriteFile(archivePath, image, 0644))

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := Config{
		BootInfoPath:    infoPath,
		BootArchivePath: archivePath,
		PageSize:        0x1000,
		VAddrBase:       0x5000_0000_0000,
		SCPriority:      1,
		SCQuantum:       10000,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, Run(ctx, log, cfg))
}

func TestRunBootsForeignABIModule(t *testing.T) {
	image := buildELF64(t, 0x400000, []byte("hello world"), 0x2000)
	page := buildBootInfo(t, "userland-init abi=foreign", uint64(len(image)))

	dir := t.TempDir()
	infoPath := filepath.Join(dir, "bootinfo.bin")
	archivePath := filepath.Join(dir, "archive.bin")
	require.NoError(t, os.WriteFile(infoPath, page, 0644))
	require.NoError(t, os.WriteFile(archivePath, image, 0644))

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := Config{
		BootInfoPath:    infoPath,
		BootArchivePath: archivePath,
		PageSize:        0x1000,
		VAddrBase:       0x5000_0000_0000,
		SCPriority:      1,
		SCQuantum:       10000,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, Run(ctx, log, cfg))
}

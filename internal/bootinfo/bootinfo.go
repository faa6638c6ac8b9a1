// Package bootinfo parses the hypervisor-information-page boot record the
// root task receives at startup (spec §6 "Boot module", GLOSSARY): a small
// fixed-layout header followed by a sequence of module descriptors, each
// naming a command line (whose first word, by convention, is "userland")
// and a (start, size) pair identifying a self-contained executable image
// inside the concatenated boot archive.
//
// Like mount/infoParser.go's line-oriented scan of a structured record
// stream, this is a small tokenizing scanner — here over a binary layout
// instead of text — kept deliberately minimal since everything upstream of
// "the root task already holds this page in memory" (the boot loader, the
// hypervisor's own module loading) is out of scope.
package bootinfo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrTruncated is returned when the info page is shorter than its own
// header claims.
var ErrTruncated = errors.New("bootinfo: info page truncated")

// ErrNoMatch is returned by Find when no module's command line contains
// the requested substring.
var ErrNoMatch = errors.New("bootinfo: no module matches")

// Module is one boot-archive entry: its command line (first word
// conventionally "userland") and the byte range of its image within the
// archive blob passed to Parse.
type Module struct {
	CmdLine string
	Start   uint64
	Size    uint64
}

// Image returns the module's bytes, slicing them out of the archive blob
// Parse was given.
func (m Module) Image(archive []byte) ([]byte, error) {
	if m.Start+m.Size > uint64(len(archive)) {
		return nil, fmt.Errorf("%w: module %q range [%d,%d) exceeds archive length %d", ErrTruncated, m.CmdLine, m.Start, m.Start+m.Size, len(archive))
	}
	return archive[m.Start : m.Start+m.Size], nil
}

// FirstWord returns the module's command line up to (not including) the
// first space — the archive-entry name the loader matches against (spec
// §6: "Each archive entry is a self-contained executable image; the loader
// matches files by substring of the archive entry name").
func (m Module) FirstWord() string {
	if i := strings.IndexByte(m.CmdLine, ' '); i >= 0 {
		return m.CmdLine[:i]
	}
	return m.CmdLine
}

// Info is the parsed boot-information page: the module table plus the raw
// archive blob modules' (start, size) ranges refer into.
type Info struct {
	Modules []Module
	archive []byte
}

// header is the fixed-layout prefix of the info page: a module count
// followed by that many fixed-size descriptors. Real Hedron/NOVA-style
// hypervisor-info pages carry additional fields (CPU count, feature
// flags, ...) that nothing in this tree reads; they are skipped rather
// than modeled.
const headerSize = 8

// descriptor is one on-the-wire module record: name offset/length into a
// trailing string table, followed by start/size of the image.
const descriptorSize = 32

// Parse reads the module table out of page and returns an Info whose
// Module.Image slices index into archive (the two are handed separately
// because on a real boot they live at different physical addresses; the
// simulated kernel in internal/hv keeps them as two plain byte slices).
func Parse(page []byte, archive []byte) (*Info, error) {
	if len(page) < headerSize {
		return nil, ErrTruncated
	}
	count := binary.LittleEndian.Uint64(page[0:8])

	need := headerSize + int(count)*descriptorSize
	if len(page) < need {
		return nil, fmt.Errorf("%w: header claims %d modules but page is %d bytes", ErrTruncated, count, len(page))
	}

	modules := make([]Module, 0, count)
	off := headerSize
	for i := uint64(0); i < count; i++ {
		nameOff := binary.LittleEndian.Uint64(page[off : off+8])
		nameLen := binary.LittleEndian.Uint64(page[off+8 : off+16])
		start := binary.LittleEndian.Uint64(page[off+16 : off+24])
		size := binary.LittleEndian.Uint64(page[off+24 : off+32])
		off += descriptorSize

		if nameOff+nameLen > uint64(len(page)) {
			return nil, fmt.Errorf("%w: module %d name range exceeds page", ErrTruncated, i)
		}
		modules = append(modules, Module{
			CmdLine: string(page[nameOff : nameOff+nameLen]),
			Start:   start,
			Size:    size,
		})
	}

	return &Info{Modules: modules, archive: archive}, nil
}

// Find returns the first module whose archive-entry name (first word of
// its command line) contains substr.
func (info *Info) Find(substr string) (Module, error) {
	for _, m := range info.Modules {
		if strings.Contains(m.FirstWord(), substr) {
			return m, nil
		}
	}
	return Module{}, fmt.Errorf("%w: %q", ErrNoMatch, substr)
}

// Archive returns the raw archive blob modules' images are sliced from.
func (info *Info) Archive() []byte { return info.archive }

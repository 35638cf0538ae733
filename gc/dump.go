package gc

import (
	"fmt"
	"io"
	"os"
	"time"
	"unsafe"

	"github.com/blakesmith/ar"
	"github.com/gofrs/flock"
	"github.com/marcinbor85/gohex"
	"github.com/sigurn/crc16"
	"gopkg.in/yaml.v2"
)

// DumpFormat selects the on-disk representation of a heap dump.
type DumpFormat int

const (
	// DumpFormatArchive is a System V ar archive: a manifest.yaml
	// member describing every dumped space and block, then one raw
	// member per non-empty block.
	DumpFormatArchive DumpFormat = iota

	// DumpFormatIHex is an Intel HEX image of the used payload bytes.
	// The format carries 32-bit addresses, so the blocks are rebased
	// to a contiguous layout starting at address zero, in dump order.
	DumpFormatIHex
)

func (f DumpFormat) String() string {
	switch f {
	case DumpFormatArchive:
		return "archive"
	case DumpFormatIHex:
		return "ihex"
	default:
		return "unknown"
	}
}

const dumpManifestFormat = 1

// DumpManifest is the manifest.yaml member of an archive dump.
type DumpManifest struct {
	Format  int         `yaml:"format"`
	Created string      `yaml:"created"`
	Name    string      `yaml:"name"`
	Config  Config      `yaml:"config"`
	Spaces  []DumpSpace `yaml:"spaces"`
}

// DumpSpace describes one dumped space.
type DumpSpace struct {
	Name       string      `yaml:"name"`
	Generation string      `yaml:"generation"`
	Used       uint64      `yaml:"used"`
	Blocks     []DumpBlock `yaml:"blocks"`
}

// DumpBlock describes one archive member holding a block payload. Base
// is the payload's address in the dumped process; CRC is the
// CRC-16/ARC checksum of the member bytes.
type DumpBlock struct {
	Member string `yaml:"member"`
	Base   uint64 `yaml:"base"`
	Used   uint64 `yaml:"used"`
	CRC    uint16 `yaml:"crc16"`
}

// dumpRegion views one block's used payload bytes in place.
type dumpRegion struct {
	member string
	bytes  []byte
}

func buildDump(name string, conf Config, spaces []*space) (*DumpManifest, []dumpRegion) {
	m := &DumpManifest{
		Format:  dumpManifestFormat,
		Created: time.Now().Format(time.RFC3339),
		Name:    name,
		Config:  conf,
	}
	var regions []dumpRegion
	table := crc16.MakeTable(crc16.CRC16_ARC)
	for _, s := range spaces {
		// The unused pool holds no objects, only recycled memory.
		if s.generation == GenerationUnused {
			continue
		}
		ds := DumpSpace{
			Name:       s.name,
			Generation: s.generation.String(),
			Used:       uint64(s.usedSize()),
		}
		for b := s.blocks.first; b != nil; b = b.next {
			limit := b.usedLimit
			if b == s.allocationBlock {
				limit = s.allocationPointer
			}
			base := b.payload()
			if limit <= base {
				continue
			}
			bytes := unsafe.Slice((*byte)(unsafe.Pointer(base)), limit - base)
			member := fmt.Sprintf("%s-%d", s.name, len(ds.Blocks))
			ds.Blocks = append(ds.Blocks, DumpBlock{
				Member: member,
				Base:   uint64(base),
				Used:   uint64(len(bytes)),
				CRC:    crc16.Checksum(bytes, table),
			})
			regions = append(regions, dumpRegion{member: member, bytes: bytes})
		}
		if len(ds.Blocks) != 0 {
			m.Spaces = append(m.Spaces, ds)
		}
	}
	return m, regions
}

func writeArchiveMember(aw *ar.Writer, name string, data []byte) error {
	hdr := &ar.Header{
		Name:    name,
		ModTime: time.Unix(0, 0),
		Mode:    0644,
		Size:    int64(len(data)),
	}
	if err := aw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing archive member %s: %w", name, err)
	}
	if _, err := aw.Write(data); err != nil {
		return fmt.Errorf("writing archive member %s: %w", name, err)
	}
	return nil
}

func writeArchiveDump(w io.Writer, m *DumpManifest, regions []dumpRegion) error {
	manifest, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling dump manifest: %w", err)
	}
	aw := ar.NewWriter(w)
	if err := aw.WriteGlobalHeader(); err != nil {
		return fmt.Errorf("writing archive header: %w", err)
	}
	if err := writeArchiveMember(aw, "manifest.yaml", manifest); err != nil {
		return err
	}
	for _, r := range regions {
		if err := writeArchiveMember(aw, r.member, r.bytes); err != nil {
			return err
		}
	}
	return nil
}

func writeIHexDump(w io.Writer, regions []dumpRegion) error {
	mem := gohex.NewMemory()
	var at uint64
	for _, r := range regions {
		if at+uint64(len(r.bytes)) > 1<<32 {
			return fmt.Errorf("dump too large for an Intel HEX image")
		}
		if err := mem.AddBinary(uint32(at), r.bytes); err != nil {
			return fmt.Errorf("adding %s to the Intel HEX image: %w",
				r.member, err)
		}
		at += uint64(len(r.bytes))
	}
	return mem.DumpIntelHex(w, 16)
}

func writeDump(lg *Logger, path string, format DumpFormat,
	m *DumpManifest, regions []dumpRegion) error {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", lock.Path(), err)
	}
	if !ok {
		return fmt.Errorf("%s: held by another dumper", lock.Path())
	}
	defer lock.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating dump: %w", err)
	}
	switch format {
	case DumpFormatArchive:
		err = writeArchiveDump(f, m, regions)
	case DumpFormatIHex:
		err = writeIHexDump(f, regions)
	default:
		err = fmt.Errorf("unknown dump format %d", int(format))
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	var total uintptr
	for _, r := range regions {
		total += uintptr(len(r.bytes))
	}
	lg.Logf(2, "wrote %s dump %s: %d regions, %s",
		format, path, len(regions), size(float64(total)))
	return nil
}

// WriteHeapDump writes a snapshot of the heaplet's spaces to path.
// Only the mutator may call it, and not during a collection. A lock
// file next to path keeps two dumpers from interleaving: the second
// one fails instead of waiting.
func (a *Heaplet) WriteHeapDump(path string, format DumpFormat) error {
	a.assertRuntimeFieldsOwned()
	m, regions := buildDump(a.name, a.conf, a.allSpaces)
	return writeDump(a.log, path, format, m, regions)
}

// WriteSharedDump writes a snapshot of the heap's shared space. It
// holds the heap lock for the whole write, keeping the block list
// stable; objects being written by running mutators may still tear.
func (h *Heap) WriteSharedDump(path string, format DumpFormat) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, regions := buildDump("shared-heap", h.conf, []*space{h.shared})
	return writeDump(h.log, path, format, m, regions)
}

package sandbox

import (
	"encoding/binary"
	"fmt"

	"github.com/secforge/plugrun/runtime/types"
)

// wasm binary section ids
const (
	sectionImport = 2
	sectionMemory = 5
	sectionExport = 7
)

// export kinds
const (
	exportKindFunc   = 0x00
	exportKindMemory = 0x02
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// memoryLimits describes a linear memory declaration in pages
type memoryLimits struct {
	Min    uint32
	Max    uint32
	HasMax bool
}

// moduleInfo is the statically scanned shape of a wasm binary
type moduleInfo struct {
	ExportedFuncs map[string]bool
	Memories      []memoryLimits
}

// scanModule walks the binary's sections without compiling it. Only the
// export and memory sections are decoded; everything else is skipped by
// section size.
func scanModule(module []byte) (*moduleInfo, error) {
	if len(module) < len(wasmMagic) {
		return nil, fmt.Errorf("module too short")
	}
	for i, b := range wasmMagic {
		if module[i] != b {
			return nil, fmt.Errorf("bad wasm magic or version")
		}
	}

	info := &moduleInfo{ExportedFuncs: make(map[string]bool)}
	r := &byteReader{buf: module, pos: len(wasmMagic)}

	for r.pos < len(r.buf) {
		sectionID, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.uleb()
		if err != nil {
			return nil, err
		}
		end := r.pos + int(size)
		if end > len(r.buf) {
			return nil, fmt.Errorf("section %d overruns module", sectionID)
		}

		switch sectionID {
		case sectionMemory:
			if err := r.readMemories(info, end); err != nil {
				return nil, err
			}
		case sectionImport:
			if err := r.readImportedMemories(info, end); err != nil {
				return nil, err
			}
		case sectionExport:
			if err := r.readExports(info, end); err != nil {
				return nil, err
			}
		}

		r.pos = end
	}

	return info, nil
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("unexpected end of module")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// uleb decodes an unsigned LEB128 u32
func (r *byteReader) uleb() (uint32, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 || v > 0xffffffff {
		return 0, fmt.Errorf("bad leb128 value")
	}
	r.pos += n
	return uint32(v), nil
}

func (r *byteReader) name() (string, error) {
	n, err := r.uleb()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", fmt.Errorf("name overruns module")
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *byteReader) limits() (memoryLimits, error) {
	flags, err := r.byte()
	if err != nil {
		return memoryLimits{}, err
	}
	min, err := r.uleb()
	if err != nil {
		return memoryLimits{}, err
	}
	lim := memoryLimits{Min: min}
	if flags&0x01 != 0 {
		max, err := r.uleb()
		if err != nil {
			return memoryLimits{}, err
		}
		lim.Max = max
		lim.HasMax = true
	}
	return lim, nil
}

func (r *byteReader) readMemories(info *moduleInfo, end int) error {
	count, err := r.uleb()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count && r.pos < end; i++ {
		lim, err := r.limits()
		if err != nil {
			return err
		}
		info.Memories = append(info.Memories, lim)
	}
	return nil
}

// readImportedMemories collects memory imports so a module cannot smuggle
// an oversized memory in through the import section.
func (r *byteReader) readImportedMemories(info *moduleInfo, end int) error {
	count, err := r.uleb()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count && r.pos < end; i++ {
		if _, err := r.name(); err != nil { // module
			return err
		}
		if _, err := r.name(); err != nil { // field
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		switch kind {
		case 0x00: // func: typeidx
			if _, err := r.uleb(); err != nil {
				return err
			}
		case 0x01: // table: reftype + limits
			if _, err := r.byte(); err != nil {
				return err
			}
			if _, err := r.limits(); err != nil {
				return err
			}
		case 0x02: // memory
			lim, err := r.limits()
			if err != nil {
				return err
			}
			info.Memories = append(info.Memories, lim)
		case 0x03: // global: valtype + mutability
			if _, err := r.byte(); err != nil {
				return err
			}
			if _, err := r.byte(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown import kind %#x", kind)
		}
	}
	return nil
}

func (r *byteReader) readExports(info *moduleInfo, end int) error {
	count, err := r.uleb()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count && r.pos < end; i++ {
		name, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		if _, err := r.uleb(); err != nil { // index
			return err
		}
		if kind == exportKindFunc {
			info.ExportedFuncs[name] = true
		}
	}
	return nil
}

// validateModule enforces the structural requirements before any
// compilation cost is paid: the mandatory entry point export and linear
// memory within the configured page limit.
func validateModule(md *types.Metadata, module []byte, maxPages uint32) error {
	info, err := scanModule(module)
	if err != nil {
		return types.WrapError(types.CodeValidationFailed, md.ID, "malformed wasm module", err)
	}

	entry := md.EntryPoint
	if entry == "" {
		entry = "execute"
	}
	if !info.ExportedFuncs[entry] {
		return types.NewError(types.CodeValidationFailed, md.ID,
			fmt.Sprintf("module does not export required entry point %q", entry))
	}

	for _, mem := range info.Memories {
		if mem.Min > maxPages {
			return types.NewError(types.CodeValidationFailed, md.ID,
				fmt.Sprintf("declared memory minimum %d pages exceeds limit of %d pages", mem.Min, maxPages))
		}
		if mem.HasMax && mem.Max > maxPages {
			return types.NewError(types.CodeValidationFailed, md.ID,
				fmt.Sprintf("declared memory maximum %d pages exceeds limit of %d pages", mem.Max, maxPages))
		}
	}

	return nil
}

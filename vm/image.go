package vm

import (
	"fmt"
	"os"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Image: a linked program ready to load into memory
// ---------------------------------------------------------------------------

// ImageMagic identifies an encoded lkjscript image.
const ImageMagic = "LKJI"

// Image format version
// v1: initial format
const ImageVersion uint32 = 1

// Symbol names a function entry point inside an image.
type Symbol struct {
	Name   string `cbor:"name"`
	Addr   Addr   `cbor:"addr"`
	Params int    `cbor:"params"`
}

// Image is a linked program. Code is placed at CodeBase when loaded.
type Image struct {
	Magic      string   `cbor:"magic"`
	Version    uint32   `cbor:"version"`
	BuildID    string   `cbor:"build_id"`
	FrameSize  int      `cbor:"frame_size"`
	Code       []Word   `cbor:"code"`
	Symbols    []Symbol `cbor:"symbols,omitempty"`
	SourceHash []byte   `cbor:"source_hash,omitempty"`
}

// NewImage wraps linked code in an image with a fresh build id.
func NewImage(code []Word, frameSize int, symbols []Symbol) *Image {
	syms := append([]Symbol(nil), symbols...)
	sort.Slice(syms, func(i, j int) bool { return syms[i].Addr < syms[j].Addr })
	return &Image{
		Magic:     ImageMagic,
		Version:   ImageVersion,
		BuildID:   uuid.New().String(),
		FrameSize: frameSize,
		Code:      code,
		Symbols:   syms,
	}
}

// CodeEnd returns the first address past the code.
func (img *Image) CodeEnd() Addr {
	return CodeBase + Addr(len(img.Code))
}

// Lookup returns the symbol with the given name.
func (img *Image) Lookup(name string) (Symbol, bool) {
	for _, s := range img.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}

// SymbolAt returns the symbol whose entry point is exactly addr.
func (img *Image) SymbolAt(addr Addr) (Symbol, bool) {
	i := sort.Search(len(img.Symbols), func(i int) bool { return img.Symbols[i].Addr >= addr })
	if i < len(img.Symbols) && img.Symbols[i].Addr == addr {
		return img.Symbols[i], true
	}
	return Symbol{}, false
}

// Validate checks the header and decodes the code stream, rejecting unknown
// opcodes, truncated instructions and control transfers outside the code.
func (img *Image) Validate() error {
	if img.Magic != ImageMagic {
		return fmt.Errorf("image: bad magic %q", img.Magic)
	}
	if img.Version != ImageVersion {
		return fmt.Errorf("image: unsupported version %d (want %d)", img.Version, ImageVersion)
	}
	if img.FrameSize <= 0 || img.FrameSize > MaxFrameSize {
		return fmt.Errorf("image: invalid frame size %d", img.FrameSize)
	}
	end := img.CodeEnd()
	for pc := 0; pc < len(img.Code); {
		op := Opcode(img.Code[pc])
		if !op.Valid() {
			return fmt.Errorf("image: unknown opcode %d at %d", img.Code[pc], CodeBase+Addr(pc))
		}
		info := op.Info()
		if pc+op.Width() > len(img.Code) {
			return fmt.Errorf("image: truncated %s at %d", info.Name, CodeBase+Addr(pc))
		}
		if info.Label {
			target := Addr(img.Code[pc+1])
			if target < CodeBase || target >= end {
				return fmt.Errorf("image: %s at %d targets %d outside code", info.Name, CodeBase+Addr(pc), target)
			}
		}
		pc += op.Width()
	}
	return nil
}

// ---------------------------------------------------------------------------
// CBOR encoding
// ---------------------------------------------------------------------------

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalImage serializes an image to CBOR bytes.
func MarshalImage(img *Image) ([]byte, error) {
	return cborEncMode.Marshal(img)
}

// UnmarshalImage deserializes and validates an image from CBOR bytes.
func UnmarshalImage(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("vm: unmarshal image: %w", err)
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return &img, nil
}

// WriteImageFile writes an encoded image to path.
func WriteImageFile(path string, img *Image) error {
	data, err := MarshalImage(img)
	if err != nil {
		return fmt.Errorf("vm: marshal image: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// ReadImageFile reads and validates an encoded image from path.
func ReadImageFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return UnmarshalImage(data)
}

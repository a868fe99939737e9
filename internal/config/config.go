// Package config reads the snapshot layout file that describes a ramdump:
// which files hold which physical ranges, the kernel's memory geometry
// and where type information comes from.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"ramparse/internal/memimage"
	"ramparse/internal/mmu"
	"ramparse/internal/oracle"
)

const (
	EnvGDB     = "RAMPARSE_GDB"
	EnvVmlinux = "RAMPARSE_VMLINUX"
)

// Segment is one physical range captured in a file.
type Segment struct {
	File  string `yaml:"file" json:"file" jsonschema:"title=File,description=Path of the raw memory file; relative paths are resolved against the layout file"`
	Start Hex    `yaml:"start" json:"start" jsonschema:"title=Start,description=First physical address held by the file"`
	End   Hex    `yaml:"end,omitempty" json:"end,omitempty" jsonschema:"title=End,description=Exclusive end address; defaults to start plus the file size"`
}

// Symbols are facts supplied without a debugger.
type Symbols struct {
	Addresses map[string]Hex            `yaml:"addresses,omitempty" json:"addresses,omitempty" jsonschema:"description=Kernel symbol virtual addresses"`
	Offsets   map[string]map[string]Hex `yaml:"offsets,omitempty" json:"offsets,omitempty" jsonschema:"description=Field offsets keyed by type then field"`
	Sizes     map[string]Hex            `yaml:"sizes,omitempty" json:"sizes,omitempty" jsonschema:"description=Type sizes"`
	Lengths   map[string]Hex            `yaml:"lengths,omitempty" json:"lengths,omitempty" jsonschema:"description=Symbol sizes in bytes; addresses inside a sized symbol resolve to it"`
	Enums     map[string][]string       `yaml:"enums,omitempty" json:"enums,omitempty" jsonschema:"description=Enum value names in numeric order"`
}

type Unwind struct {
	AbsoluteIndex bool `yaml:"absolute_index,omitempty" json:"absolute_index,omitempty" jsonschema:"description=Unwind index holds absolute addresses instead of prel31 offsets"`
	MaxDepth      int  `yaml:"max_depth,omitempty" json:"max_depth,omitempty" jsonschema:"description=Maximum frames per backtrace,minimum=1"`
}

type Config struct {
	Arch          string    `yaml:"arch" json:"arch" jsonschema:"title=Architecture,enum=arm,enum=arm-lpae,enum=arm64"`
	VABits        uint      `yaml:"va_bits,omitempty" json:"va_bits,omitempty" jsonschema:"description=Virtual address width on arm64,default=39"`
	TxSz          uint      `yaml:"txsz,omitempty" json:"txsz,omitempty" jsonschema:"description=TTBCR T1SZ for LPAE"`
	PhysOffset    Hex       `yaml:"phys_offset" json:"phys_offset" jsonschema:"description=Physical address of the start of RAM"`
	PageOffset    Hex       `yaml:"page_offset,omitempty" json:"page_offset,omitempty" jsonschema:"description=Virtual base of the linear map"`
	KimageVOffset Hex       `yaml:"kimage_voffset,omitempty" json:"kimage_voffset,omitempty" jsonschema:"description=arm64 kernel image virtual to physical delta"`
	PageTable     Hex       `yaml:"page_table,omitempty" json:"page_table,omitempty" jsonschema:"description=Physical address of the kernel page table root; defaults to swapper_pg_dir"`
	ThreadSize    Hex       `yaml:"thread_size,omitempty" json:"thread_size,omitempty" jsonschema:"description=Kernel stack size"`
	Vmlinux       string    `yaml:"vmlinux,omitempty" json:"vmlinux,omitempty" jsonschema:"description=Kernel image with symbols"`
	GDB           string    `yaml:"gdb,omitempty" json:"gdb,omitempty" jsonschema:"description=Debugger used for type information"`
	Modules       []Module  `yaml:"modules,omitempty" json:"modules,omitempty" jsonschema:"description=Loadable modules whose symbols are added to the debugger"`
	Segments      []Segment `yaml:"segments" json:"segments"`
	Symbols       Symbols   `yaml:"symbols,omitempty" json:"symbols,omitempty"`
	Unwind        Unwind    `yaml:"unwind,omitempty" json:"unwind,omitempty"`
}

// Module is a .ko with the address its text was loaded at.
type Module struct {
	File string `yaml:"file" json:"file"`
	Text Hex    `yaml:"text" json:"text"`
}

// Load reads path from fs. Relative file names inside are taken relative
// to the layout file.
func Load(fs afero.Fs, path string) (*Config, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "read layout")
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var c Config
	if err := dec.Decode(&c); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	dir := filepath.Dir(path)
	for i := range c.Segments {
		c.Segments[i].File = resolve(dir, c.Segments[i].File)
	}
	for i := range c.Modules {
		c.Modules[i].File = resolve(dir, c.Modules[i].File)
	}
	if c.Vmlinux != "" {
		c.Vmlinux = resolve(dir, c.Vmlinux)
	}
	return &c, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// ApplyEnv lets the environment override tool paths.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvGDB); v != "" {
		c.GDB = v
	}
	if v := os.Getenv(EnvVmlinux); v != "" {
		c.Vmlinux = v
	}
}

// ParseSegment reads the command-line form file@start[:end].
func ParseSegment(s string) (Segment, error) {
	file, rng, ok := strings.Cut(s, "@")
	if !ok || file == "" || rng == "" {
		return Segment{}, errors.Errorf("segment %q: want file@start[:end]", s)
	}
	start, end, hasEnd := strings.Cut(rng, ":")
	var seg Segment
	var err error
	seg.File = file
	if seg.Start, err = ParseHex(start); err != nil {
		return Segment{}, errors.Wrapf(err, "segment %q", s)
	}
	if hasEnd {
		if seg.End, err = ParseHex(end); err != nil {
			return Segment{}, errors.Wrapf(err, "segment %q", s)
		}
	}
	return seg, nil
}

// MMUArch parses Arch.
func (c *Config) MMUArch() (mmu.Arch, error) {
	return mmu.ParseArch(c.Arch)
}

// SetDefaults fills the values that follow from the architecture.
func (c *Config) SetDefaults() error {
	arch, err := c.MMUArch()
	if err != nil {
		return err
	}
	if c.ThreadSize == 0 {
		c.ThreadSize = 0x2000
		if arch.Is64() {
			c.ThreadSize = 0x4000
		}
	}
	if arch == mmu.ARMv8 && c.VABits == 0 {
		c.VABits = 39
	}
	if c.PageOffset == 0 {
		switch arch {
		case mmu.ARMv8:
			c.PageOffset = Hex(^uint64(0) << (c.VABits - 1))
		default:
			c.PageOffset = 0xc0000000
		}
	}
	if c.GDB == "" {
		c.GDB = "gdb-multiarch"
	}
	return nil
}

// Validate reports layouts that cannot describe a dump.
func (c *Config) Validate() error {
	arch, err := c.MMUArch()
	if err != nil {
		return err
	}
	if len(c.Segments) == 0 {
		return errors.New("no memory segments configured")
	}
	for _, s := range c.Segments {
		if s.File == "" {
			return errors.Errorf("segment at %s has no file", s.Start)
		}
		if s.End != 0 && s.End <= s.Start {
			return errors.Errorf("segment %s: end %s not after start %s", s.File, s.End, s.Start)
		}
	}
	if c.ThreadSize == 0 || c.ThreadSize&(c.ThreadSize-1) != 0 {
		return errors.Errorf("thread_size %s is not a power of two", c.ThreadSize)
	}
	if arch == mmu.ARMv8 && (c.VABits < 36 || c.VABits > 52) {
		return errors.Errorf("va_bits %d out of range", c.VABits)
	}
	if c.Unwind.MaxDepth < 0 {
		return errors.Errorf("unwind.max_depth %d is negative", c.Unwind.MaxDepth)
	}
	return nil
}

// ImageSpecs converts the segments for memimage.Load.
func (c *Config) ImageSpecs() []memimage.Spec {
	out := make([]memimage.Spec, len(c.Segments))
	for i, s := range c.Segments {
		out[i] = memimage.Spec{File: s.File, Start: uint64(s.Start), End: uint64(s.End)}
	}
	return out
}

// StaticOracle exposes the symbols block.
func (c *Config) StaticOracle() *oracle.Static {
	s := &oracle.Static{
		Offsets:   make(map[string]map[string]uint64, len(c.Symbols.Offsets)),
		Sizes:     make(map[string]uint64, len(c.Symbols.Sizes)),
		Addresses: make(map[string]uint64, len(c.Symbols.Addresses)),
		Lengths:   make(map[string]uint64, len(c.Symbols.Lengths)),
		Enums:     c.Symbols.Enums,
	}
	for typ, fields := range c.Symbols.Offsets {
		m := make(map[string]uint64, len(fields))
		for f, off := range fields {
			m[f] = uint64(off)
		}
		s.Offsets[typ] = m
	}
	for typ, n := range c.Symbols.Sizes {
		s.Sizes[typ] = uint64(n)
	}
	for name, a := range c.Symbols.Addresses {
		s.Addresses[name] = uint64(a)
	}
	for name, n := range c.Symbols.Lengths {
		s.Lengths[name] = uint64(n)
	}
	return s
}

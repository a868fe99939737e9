package cmd

import (
	"debug/elf"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"ramparse/internal/config"
	"ramparse/internal/dumperr"
	"ramparse/internal/memimage"
	"ramparse/internal/oracle"
	"ramparse/internal/ramdump"
)

// session is everything a subcommand needs, opened from the layout file
// and the global flags.
type session struct {
	cfg  *config.Config
	dump *ramdump.Dump
	gdb  *oracle.GDB
	elf  *oracle.ELFImage
	mem  *memimage.Image
}

func (s *session) Close() {
	if s.gdb != nil {
		if err := s.gdb.Close(); err != nil {
			slog.Debug("gdb exit", "err", err)
		}
	}
	if s.elf != nil {
		_ = s.elf.Close()
	}
	if s.mem != nil {
		_ = s.mem.Close()
	}
}

func loadConfig(cmd *cobra.Command, fs afero.Fs) (*config.Config, error) {
	cfg := &config.Config{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(fs, path); err != nil {
			return nil, err
		}
	}
	segs, _ := cmd.Flags().GetStringArray("segment")
	for _, s := range segs {
		seg, err := config.ParseSegment(s)
		if err != nil {
			return nil, err
		}
		cfg.Segments = append(cfg.Segments, seg)
	}
	if v, _ := cmd.Flags().GetString("arch"); v != "" {
		cfg.Arch = v
	}
	if v, _ := cmd.Flags().GetString("vmlinux"); v != "" {
		cfg.Vmlinux = v
	}
	if v, _ := cmd.Flags().GetString("gdb"); v != "" {
		cfg.GDB = v
	}
	cfg.ApplyEnv()
	if err := cfg.SetDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openOracle layers the layout's symbols over gdb and the vmlinux symbol
// table, whichever are available.
func openOracle(cmd *cobra.Command, s *session) (oracle.Oracle, error) {
	layers := oracle.Layered{s.cfg.StaticOracle()}
	if s.cfg.Vmlinux == "" {
		return layers, nil
	}
	noGDB, _ := cmd.Flags().GetBool("no-gdb")
	if !noGDB {
		g, err := oracle.OpenGDB(cmd.Context(), s.cfg.GDB, s.cfg.Vmlinux)
		if err != nil {
			slog.Warn("Debugger unavailable, type information limited to the layout file", "gdb", s.cfg.GDB, "err", err)
		} else {
			s.gdb = g
			for _, m := range s.cfg.Modules {
				if err := g.AddSymbolFile(m.File, uint64(m.Text)); err != nil {
					slog.Warn("Module symbols not loaded", "module", m.File, "err", err)
				}
			}
			layers = append(layers, g)
		}
	}
	im, err := oracle.OpenELF(s.cfg.Vmlinux)
	if err != nil {
		if s.gdb == nil {
			return nil, errors.Wrap(err, "vmlinux")
		}
		slog.Warn("Cannot map vmlinux", "path", s.cfg.Vmlinux, "err", err)
	} else {
		s.elf = im
		if arch, err := s.cfg.MMUArch(); err == nil && arch.Is64() != (im.Machine() == elf.EM_AARCH64) {
			slog.Warn("vmlinux does not match the dump architecture", "arch", arch, "machine", im.Machine())
		}
		layers = append(layers, im)
	}
	return layers, nil
}

func openSession(cmd *cobra.Command) (*session, error) {
	fs := afero.NewOsFs()
	cfg, err := loadConfig(cmd, fs)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	if s.mem, err = memimage.Load(fs, cfg.ImageSpecs()); err != nil {
		return nil, err
	}
	o, err := openOracle(cmd, s)
	if err != nil {
		return nil, err
	}
	arch, err := cfg.MMUArch()
	if err != nil {
		return nil, err
	}
	s.dump, err = ramdump.Open(s.mem, o, ramdump.Options{
		Arch:          arch,
		VABits:        cfg.VABits,
		TxSz:          cfg.TxSz,
		PhysOffset:    uint64(cfg.PhysOffset),
		PageOffset:    uint64(cfg.PageOffset),
		KimageVOffset: uint64(cfg.KimageVOffset),
		PageTable:     uint64(cfg.PageTable),
		ThreadSize:    uint64(cfg.ThreadSize),
		AbsoluteIndex: cfg.Unwind.AbsoluteIndex,
		MaxDepth:      cfg.Unwind.MaxDepth,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return s, nil
}

// parseAddress accepts a number, a symbol, or symbol+offset.
func parseAddress(o oracle.Oracle, s string) (uint64, error) {
	if v, err := config.ParseHex(s); err == nil {
		return uint64(v), nil
	}
	name, off, hasOff := strings.Cut(s, "+")
	base, err := o.AddressOf(strings.TrimSpace(name))
	if err != nil {
		return 0, err
	}
	if hasOff {
		v, err := config.ParseHex(off)
		if err != nil {
			return 0, err
		}
		base += uint64(v)
	}
	return base, nil
}

// warnPartial reports a structure walk that ended early but still
// produced output.
func warnPartial(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, dumperr.ErrCorruptStructure) || errors.Is(err, dumperr.ErrUnavailable) {
		slog.Warn("Walk ended early", "what", what, "err", err)
		return nil
	}
	return err
}

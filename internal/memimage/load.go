package memimage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// Spec locates one segment file. End is exclusive; zero means the file
// length decides it.
type Spec struct {
	File  string
	Start uint64
	End   uint64
}

type mapping []byte

func (m mapping) Close() error {
	return unix.Munmap(m)
}

// Load reads every spec into a segment. Files on the OS filesystem are
// mapped read-only, anything else goes through afero.
func Load(fs afero.Fs, specs []Spec) (*Image, error) {
	if len(specs) == 0 {
		return nil, errors.New("no segment files given")
	}
	var (
		segs    []Segment
		closers []io.Closer
	)
	cleanup := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
	for _, sp := range specs {
		data, closer, err := readSegment(fs, sp.File)
		if err != nil {
			cleanup()
			return nil, err
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		end := sp.End
		if end == 0 {
			end = sp.Start + uint64(len(data))
		}
		if end < sp.Start {
			cleanup()
			return nil, errors.Errorf("segment %s: end 0x%x below start 0x%x", sp.File, end, sp.Start)
		}
		want := end - sp.Start
		if uint64(len(data)) < want {
			cleanup()
			return nil, errors.Errorf("segment %s: file holds %s, range needs %s",
				sp.File, humanize.IBytes(uint64(len(data))), humanize.IBytes(want))
		}
		segs = append(segs, Segment{
			Name:  filepath.Base(sp.File),
			Start: sp.Start,
			End:   end,
			Data:  data[:want],
		})
		slog.Debug("Loaded segment", "file", sp.File, "start", fmt.Sprintf("%#x", sp.Start), "end", fmt.Sprintf("%#x", end), "size", humanize.IBytes(want))
	}
	im, err := New(segs)
	if err != nil {
		cleanup()
		return nil, err
	}
	im.closers = closers
	return im, nil
}

func readSegment(fs afero.Fs, path string) ([]byte, io.Closer, error) {
	if _, ok := fs.(*afero.OsFs); ok {
		return mmapFile(path)
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read segment %s", path)
	}
	return data, nil, nil
}

func mmapFile(path string) ([]byte, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open segment %s", path)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "stat segment %s", path)
	}
	if fi.Size() == 0 {
		return []byte{}, nil, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mmap segment %s", path)
	}
	return data, mapping(data), nil
}

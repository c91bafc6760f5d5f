package boot

import (
	"errors"
	"fmt"
	"io"
	"os"

	"kvfs/pkg/devfs"
	"kvfs/pkg/devices"
	"kvfs/pkg/ext2"
	"kvfs/pkg/hostfs"
	"kvfs/pkg/logging"
	"kvfs/pkg/memfs"
	"kvfs/pkg/mm"
	"kvfs/pkg/overlay"
	"kvfs/pkg/vfs"
)

var logger = logging.For("boot")

// System is a booted tree and what keeps it alive.
type System struct {
	Context *vfs.Context
	Pages   *mm.FramePool
	// Dev is the namespace devices register into; nil without a devfs mount.
	Dev *devfs.FS

	closers []io.Closer
}

// Boot builds the root filesystem, performs cfg's mounts in order and
// registers its devices.
func Boot(cfg Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Log.Level != "" {
		logging.SetLevel(cfg.Log.Level)
	}
	pages := mm.NewFramePool(cfg.Pages)
	s := &System{
		Context: vfs.NewContext(memfs.New(pages, 0)),
		Pages:   pages,
	}
	logger.Info("root filesystem ready", "fstype", memfs.FSType, "page_limit", cfg.Pages.Limit)

	for _, m := range cfg.Mounts {
		if err := s.mount(cfg, m); err != nil {
			s.Close()
			return nil, fmt.Errorf("mount %s: %w", m.Target, err)
		}
	}
	for _, d := range cfg.Devices {
		if err := s.register(d); err != nil {
			s.Close()
			return nil, fmt.Errorf("device %s: %w", d.Name, err)
		}
	}
	logger.Info("boot complete", "mounts", len(cfg.Mounts), "devices", len(cfg.Devices))
	return s, nil
}

func (s *System) mount(cfg Config, m MountConfig) error {
	var flags vfs.MountFlags
	if m.ReadOnly {
		flags |= vfs.MountReadOnly
	}
	var sb *vfs.SuperBlock
	switch m.FSType {
	case memfs.FSType:
		sb = memfs.New(s.Pages, flags)
	case devfs.FSType:
		fs := devfs.New()
		if s.Dev == nil {
			s.Dev = fs
		}
		sb = fs.SuperBlock()
	case ext2.FSType:
		f, err := os.Open(cfg.source(m))
		if err != nil {
			return err
		}
		fs, err := ext2.Mount(f, s.Pages)
		if err != nil {
			f.Close()
			return err
		}
		s.closers = append(s.closers, f)
		sb = fs.SuperBlock()
	case hostfs.FSType:
		fs, err := hostfs.New(cfg.source(m), flags)
		if err != nil {
			return err
		}
		sb = fs.SuperBlock()
	case overlay.FSType:
		lower, err := s.Context.Resolve(nil, m.Lower)
		if err != nil {
			return err
		}
		defer lower.DecRef()
		style, err := overlay.ParseWhiteoutStyle(m.Whiteout)
		if err != nil {
			return err
		}
		fs, err := overlay.New(overlay.Config{
			Lower:         lower.Effective(),
			Upper:         memfs.New(s.Pages, 0),
			WhiteoutStyle: style,
		})
		if err != nil {
			return err
		}
		sb = fs.SuperBlock()
	default:
		return fmt.Errorf("unknown fstype %q", m.FSType)
	}
	if err := s.Context.MkdirAll(nil, m.Target); err != nil {
		return err
	}
	_, err := s.Context.Mount(m.Target, sb)
	return err
}

func (s *System) register(d DeviceConfig) error {
	if s.Dev == nil {
		return errors.New("no devfs mount to register into")
	}
	dev, err := devices.New(d.Driver, d.Name)
	if err != nil {
		return err
	}
	return s.Dev.Register(dev)
}

// Close releases host resources held by mounts.
func (s *System) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

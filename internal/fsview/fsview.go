// Package fsview exposes internal/fs's in-memory file store as a single
// flat host directory through a bazil.org/fuse mount (spec §3.14): a
// debugging aid, gated behind a CLI flag, that lets an operator `ls`/
// `cat`/`echo >` into the root task's file service while it runs. It has
// no bearing on the guest-facing ABI — internal/fsyscall and
// internal/fsyscall's "filesystem" service talk to internal/fs directly.
package fsview

import (
	"context"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/hedron-project/roottask/internal/fs"
	"github.com/sirupsen/logrus"
)

// viewerPID is the fixed process identity fsview uses for every open it
// issues against the file service. Files reached through the debug mount
// are not attributed to any guest process.
const viewerPID = 0

// Server mounts an internal/fs.FileSystem read/write at a host path.
type Server struct {
	fsvc       *fs.FileSystem
	mountpoint string
	log        *logrus.Logger
}

// New constructs a Server over fsvc, to be mounted at mountpoint.
func New(fsvc *fs.FileSystem, mountpoint string, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{fsvc: fsvc, mountpoint: mountpoint, log: log}
}

// Mount opens the FUSE connection and serves requests until ctx is
// canceled or the mount is unmounted out-of-band, mirroring the
// teacher's fuseServer.Run (fuse/server.go) minus the container-registry
// plumbing this model has no use for.
func (s *Server) Mount(ctx context.Context) error {
	c, err := fuse.Mount(
		s.mountpoint,
		fuse.FSName("roottaskfs"),
		fuse.AllowOther(),
		fuse.DefaultPermissions(),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	go func() {
		<-ctx.Done()
		if uerr := fuse.Unmount(s.mountpoint); uerr != nil {
			s.log.WithError(uerr).Warn("fsview: unmount on context cancellation failed")
		}
	}()

	s.log.WithField("mountpoint", s.mountpoint).Info("fsview: mounted debug file view")
	return fusefs.Serve(c, &rootDir{fsvc: s.fsvc})
}

// Unmount requests an out-of-band unmount, for callers that don't hold
// the context Mount was given (e.g. a signal handler).
func (s *Server) Unmount() error {
	return fuse.Unmount(s.mountpoint)
}

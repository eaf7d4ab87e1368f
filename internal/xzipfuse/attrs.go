package xzipfuse

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/xerrors"
)

// rootAttributes returns the fixed attributes of the filesystem's
// single root directory.
func (fs *FS) rootAttributes() fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Nlink: 2,
		Mode:  os.ModeDir | 0555,
		Atime: fs.loadTime,
		Mtime: fs.loadTime,
		Ctime: fs.loadTime,
	}
}

// attributesForName derives a virtual archive's attributes from its
// three sidecars: st_size from the jump header, st_mode's permission
// bits from the bitwise OR of the sidecars' own permission bits,
// st_uid/st_gid from the first sidecar, and timestamps as the maximum
// across all three — matching the reference implementation's getattr,
// which treats "whatever any sidecar allows" as the permission surface
// of the virtual file it backs.
func (fs *FS) attributesForName(name string) (fuseops.InodeAttributes, error) {
	info, err := fs.infoCache.Get(name)
	if err != nil {
		return fuseops.InodeAttributes{}, xerrors.Errorf("xzipfuse: loading info for %s: %w", name, err)
	}

	var (
		perm                os.FileMode
		uid, gid            uint32
		nlink               uint32 = ^uint32(0)
		mtime, atime, ctime time.Time
		first               = true
	)
	for _, meta := range fs.metafiles(name) {
		fi, err := os.Stat(meta)
		if err != nil {
			return fuseops.InodeAttributes{}, xerrors.Errorf("xzipfuse: stat %s: %w", meta, err)
		}
		perm |= fi.Mode().Perm()
		if m := fi.ModTime(); m.After(mtime) {
			mtime = m
		}
		metaUID, metaGID, metaNlink, at, ct, err := statExtra(meta)
		if err != nil {
			return fuseops.InodeAttributes{}, xerrors.Errorf("xzipfuse: stat %s: %w", meta, err)
		}
		if first {
			uid, gid = metaUID, metaGID
		}
		if at.After(atime) {
			atime = at
		}
		if ct.After(ctime) {
			ctime = ct
		}
		if metaNlink < nlink {
			nlink = metaNlink
		}
		first = false
	}
	if nlink == ^uint32(0) {
		nlink = 1
	}
	if atime.IsZero() {
		atime = mtime
	}
	if ctime.IsZero() {
		ctime = mtime
	}

	return fuseops.InodeAttributes{
		Size:  info.FileSize,
		Nlink: nlink,
		Mode:  perm,
		Uid:   uid,
		Gid:   gid,
		Atime: atime,
		Mtime: mtime,
		Ctime: ctime,
	}, nil
}

// SetInodeAttributes proxies chmod(2)/chown(2) onto a virtual archive's
// three sidecars, mirroring the reference implementation's
// ExplodedZip.chmod/chown: apply the change to every sidecar and, if any
// one of them fails partway through, roll the already-changed sidecars
// back to their recorded previous values, swallowing any error the
// rollback itself hits since there is nothing further to do about it.
// Truncation and timestamp changes have no sidecar to proxy onto on a
// read-only filesystem, so they are refused outright.
func (fs *FS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	if op.Inode == rootInode {
		return syscall.EACCES
	}
	if op.Size != nil || op.Atime != nil || op.Mtime != nil {
		return fuse.ENOSYS
	}
	name, ok := fs.nameForInode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	metas := fs.metafiles(name)

	if op.Mode != nil {
		if err := chmodAcross(metas, *op.Mode); err != nil {
			return syscall.EACCES
		}
	}
	if op.Uid != nil || op.Gid != nil {
		if err := chownAcross(metas, op.Uid, op.Gid); err != nil {
			return syscall.EACCES
		}
	}

	attrs, err := fs.attributesForName(name)
	if err != nil {
		return fuse.EIO
	}
	op.Attributes = attrs
	return nil
}

// chmodAcross applies mode to every path in metas, reverting any that
// were already changed if one of the later chmods fails.
func chmodAcross(metas []string, mode os.FileMode) error {
	previous := make([]os.FileMode, len(metas))
	for i, m := range metas {
		fi, err := os.Stat(m)
		if err != nil {
			return err
		}
		previous[i] = fi.Mode()
	}

	chmodErr := func() error {
		for i, m := range metas {
			if previous[i] == mode {
				continue
			}
			if err := os.Chmod(m, mode); err != nil {
				return err
			}
		}
		return nil
	}()
	if chmodErr == nil {
		return nil
	}

	for i, m := range metas {
		if fi, err := os.Stat(m); err == nil && fi.Mode() != previous[i] {
			_ = os.Chmod(m, previous[i])
		}
	}
	return chmodErr
}

// chownAcross applies newUID/newGID (either of which may be nil, meaning
// "leave this sidecar's own value alone") to every path in metas,
// reverting any that were already changed if one of the later chowns
// fails.
func chownAcross(metas []string, newUID, newGID *uint32) error {
	type owner struct {
		uid, gid uint32
	}
	previous := make([]owner, len(metas))
	for i, m := range metas {
		uid, gid, _, _, _, err := statExtra(m)
		if err != nil {
			return err
		}
		previous[i] = owner{uid, gid}
	}

	wanted := func(i int) owner {
		w := previous[i]
		if newUID != nil {
			w.uid = *newUID
		}
		if newGID != nil {
			w.gid = *newGID
		}
		return w
	}

	chownErr := func() error {
		for i, m := range metas {
			w := wanted(i)
			if w == previous[i] {
				continue
			}
			if err := os.Chown(m, int(w.uid), int(w.gid)); err != nil {
				return err
			}
		}
		return nil
	}()
	if chownErr == nil {
		return nil
	}

	for i, m := range metas {
		uid, gid, _, _, _, err := statExtra(m)
		if err == nil && (owner{uid, gid} != previous[i]) {
			_ = os.Chown(m, int(previous[i].uid), int(previous[i].gid))
		}
	}
	return chownErr
}

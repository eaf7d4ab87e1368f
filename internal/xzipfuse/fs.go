// Package xzipfuse bridges a directory of exploded archives to a
// read-only FUSE filesystem: one regular file per archive, sized and
// timestamped from its sidecars, backed by vfile's reconstitution
// cursor.
package xzipfuse

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/xzipfs/xzip"
	"github.com/xzipfs/xzip/internal/blobstore"
	"github.com/xzipfs/xzip/internal/vfile"
)

const rootInode = fuseops.RootInodeID

// FS is a read-only FUSE filesystem exposing every exploded archive
// under baseDir/meta as a file in its root directory. It implements
// fuseutil.FileSystem by embedding fuseutil.NotImplementedFileSystem and
// overriding only the operations a read-only, flat filesystem needs —
// every write-family operation falls through to ENOSYS, matching the
// reference implementation's "not supported" handlers.
type FS struct {
	fuseutil.NotImplementedFileSystem

	baseDir string
	metaDir string
	store   blobstore.Store

	infoCache *vfile.InfoCache
	registry  *vfile.Registry

	loadTime time.Time

	mu          sync.Mutex
	names       []string // archive names, inode i+2 -> names[i]
	inodeByName map[string]fuseops.InodeID
	nameByInode map[fuseops.InodeID]string
}

// New builds an FS rooted at baseDir (holding meta/ and data/), sharding
// blob lookups Depth hex nibbles deep.
func New(baseDir string, depth int) (*FS, error) {
	metaDir := filepath.Join(baseDir, "meta")
	names, err := listArchives(metaDir)
	if err != nil {
		return nil, xerrors.Errorf("xzipfuse: listing %s: %w", metaDir, err)
	}

	fs := &FS{
		baseDir:     baseDir,
		metaDir:     metaDir,
		store:       blobstore.Store{Root: baseDir, Depth: depth},
		infoCache:   vfile.NewInfoCache(metaDir),
		registry:    vfile.NewRegistry(),
		loadTime:    time.Now(),
		names:       names,
		inodeByName: make(map[string]fuseops.InodeID, len(names)),
		nameByInode: make(map[fuseops.InodeID]string, len(names)),
	}
	for i, name := range names {
		inode := fuseops.InodeID(i + 2) // 1 is reserved for the root
		fs.inodeByName[name] = inode
		fs.nameByInode[inode] = name
	}
	xzip.RegisterAtExit(fs.Close)
	return fs, nil
}

// Close releases every file handle still open in the registry. It is
// registered with xzip.RegisterAtExit as soon as the filesystem is
// built, so an interrupted mount still drains its handles on shutdown,
// and it is safe to call again from Destroy once the kernel unmounts.
func (fs *FS) Close() error {
	return fs.registry.CloseAll()
}

// listArchives returns the archive names (e.g. "example.zip") with
// complete sidecars under metaDir, sorted for stable inode numbering.
func listArchives(metaDir string) ([]string, error) {
	entries, err := os.ReadDir(metaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".dir") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".dir"))
	}
	sort.Strings(names)
	return names, nil
}

// metafiles returns the three sidecar paths for an archive name.
func (fs *FS) metafiles(name string) []string {
	prefix := filepath.Join(fs.metaDir, name)
	return []string{prefix + ".dir", prefix + ".stream", prefix + ".jump"}
}

func (fs *FS) nameForInode(inode fuseops.InodeID) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	name, ok := fs.nameByInode[inode]
	return name, ok
}

// StatFS reports fixed block and I/O sizes of 4096 bytes. It does not
// query the filesystem holding the meta directory, so block and inode
// counts are left at zero.
func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.IoSize = 4096
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	if op.Parent != rootInode {
		return fuse.ENOENT
	}
	fs.mu.Lock()
	inode, ok := fs.inodeByName[op.Name]
	fs.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}
	attrs, err := fs.attributesForName(op.Name)
	if err != nil {
		return fuse.EIO
	}
	op.Entry.Child = inode
	op.Entry.Attributes = attrs
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	if op.Inode == rootInode {
		op.Attributes = fs.rootAttributes()
		return nil
	}
	name, ok := fs.nameForInode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	attrs, err := fs.attributesForName(name)
	if err != nil {
		return fuse.EIO
	}
	op.Attributes = attrs
	return nil
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if op.Inode != rootInode {
		return fuse.ENOENT
	}
	return nil
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	if op.Inode != rootInode {
		return fuse.EIO
	}
	fs.mu.Lock()
	names := append([]string(nil), fs.names...)
	fs.mu.Unlock()

	var entries []fuseutil.Dirent
	for i, name := range names {
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(i + 2),
			Name:   name,
			Type:   fuseutil.DT_File,
		})
	}
	if int(op.Offset) > len(entries) {
		return fuse.EIO
	}
	for _, e := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	name, ok := fs.nameForInode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	info, err := fs.infoCache.Get(name)
	if err != nil {
		return fuse.EIO
	}
	file, err := vfile.Open(name, fs.metaDir, info, fs.store)
	if err != nil {
		return fuse.EIO
	}
	op.Handle = fuseops.HandleID(fs.registry.Open(file))
	op.KeepPageCache = true // archives are immutable once exploded
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	n, err := fs.registry.ReadAt(uint64(op.Handle), op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil && err != io.EOF {
		return fuse.EIO
	}
	return nil
}

func (fs *FS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.registry.Close(uint64(op.Handle))
	return nil
}

// ReadSymlink follows the "X.jump -> Y.jump" metafile convention: when
// one of archive X's sidecars is a symlink to another archive Y's sidecar
// of the same kind (a second name for identical content), a readlink on X
// answers Y. ReadDir and attributesForName still report X as a regular
// file, so it is listed as one, with the reconstituted archive as its
// contents.
func (fs *FS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	name, ok := fs.nameForInode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	for _, meta := range fs.metafiles(name) {
		target, err := os.Readlink(meta)
		if err != nil {
			continue
		}
		linkName := filepath.Base(target)
		ext := filepath.Ext(meta)
		if filepath.Ext(linkName) == ext {
			op.Target = strings.TrimSuffix(linkName, ext)
			return nil
		}
	}
	return fuse.EINVAL
}

// Destroy releases every open file handle, mirroring the reference
// implementation's destroy() resetting its handle table to empty.
func (fs *FS) Destroy() {
	fs.Close()
}

// Package fuse exposes remote resources as a read-only filesystem.
//
// Paths below the mount point encode URLs: the first segment is the
// host, the rest is the remote path, and a trailing ".." marks a file.
// Directories are emulated without any network traffic, so shells and
// tab completion can walk arbitrary prefixes freely; only the marked
// leaves are probed and read.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/higlass/simple-httpfs/internal/logging"
	"github.com/higlass/simple-httpfs/internal/metrics"
	"github.com/higlass/simple-httpfs/pkg/fetch"
	"github.com/higlass/simple-httpfs/pkg/fserr"
	"github.com/higlass/simple-httpfs/pkg/metacache"
	"github.com/higlass/simple-httpfs/pkg/resolver"
)

const (
	dirMode  = syscall.S_IFDIR | 0555
	fileMode = syscall.S_IFREG | 0444
)

// Fetcher is the remote access surface the filesystem needs: metadata
// probes and byte-range reads. Implemented by fetch.Client and
// fetch.S3.
type Fetcher interface {
	Probe(ctx context.Context, target resolver.Target) (fetch.Attributes, error)
	FetchRange(ctx context.Context, target resolver.Target, offset, length int64) (*fetch.RangeResult, error)
}

// Config holds filesystem configuration.
type Config struct {
	Scheme     string // http, https, or s3
	AttrTTL    time.Duration
	AllowOther bool
	Debug      bool
}

// FileSystem owns the shared state behind all nodes: the fetcher, the
// attribute cache, and counters.
type FileSystem struct {
	cfg     Config
	fetcher Fetcher
	attrs   *metacache.Cache

	stats Stats
}

// Stats holds filesystem counters.
type Stats struct {
	Lookups         atomic.Int64
	RangeReads      atomic.Int64
	BytesServed     atomic.Int64
	FailedFetches   atomic.Int64
	ReadOnlyRejects atomic.Int64
	OpenFiles       atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Lookups         int64
	RangeReads      int64
	BytesServed     int64
	FailedFetches   int64
	ReadOnlyRejects int64
	OpenFiles       int64
}

// New creates a filesystem serving cfg.Scheme URLs through fetcher.
func New(cfg Config, fetcher Fetcher) (*FileSystem, error) {
	switch cfg.Scheme {
	case "http", "https", "s3":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", cfg.Scheme)
	}
	if cfg.AttrTTL <= 0 {
		cfg.AttrTTL = metacache.DefaultTTL
	}

	return &FileSystem{
		cfg:     cfg,
		fetcher: fetcher,
		attrs:   metacache.New(fetcher, cfg.AttrTTL),
	}, nil
}

// Mount mounts the filesystem at the given path and returns the
// running server.
func (f *FileSystem) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	root := &dirNode{fsys: f}

	second := time.Second
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: f.cfg.AllowOther,
			Debug:      f.cfg.Debug,
			FsName:     "httpfs",
			Name:       "httpfs",
		},
		EntryTimeout:    &second,
		AttrTimeout:     &second,
		NegativeTimeout: &second,
		UID:             uint32(os.Getuid()),
		GID:             uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	logging.Info("filesystem mounted",
		zap.String("mountpoint", mountPoint),
		zap.String("scheme", f.cfg.Scheme))

	return server, nil
}

// StatsSnapshot returns a copy of the current counters.
func (f *FileSystem) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		Lookups:         f.stats.Lookups.Load(),
		RangeReads:      f.stats.RangeReads.Load(),
		BytesServed:     f.stats.BytesServed.Load(),
		FailedFetches:   f.stats.FailedFetches.Load(),
		ReadOnlyRejects: f.stats.ReadOnlyRejects.Load(),
		OpenFiles:       f.stats.OpenFiles.Load(),
	}
}

// rejectWrite is the single path for every mutating operation.
func (f *FileSystem) rejectWrite(op string) syscall.Errno {
	f.stats.ReadOnlyRejects.Add(1)
	metrics.RecordReadOnlyReject()
	logging.Debug("rejecting mutating operation", zap.String("op", op))
	return syscall.EROFS
}

// errnoFromErr maps classified errors onto errno values.
func errnoFromErr(err error) syscall.Errno {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return syscall.EINTR
	}
	kind, ok := fserr.KindOf(err)
	if !ok {
		metrics.RecordError("unknown")
		return syscall.EIO
	}
	metrics.RecordError(kind.String())
	switch kind {
	case fserr.NotFound:
		return syscall.ENOENT
	case fserr.Unsupported:
		return syscall.EROFS
	default:
		return syscall.EIO
	}
}

// dirNode is an emulated directory: a path prefix with no remote
// counterpart. Every attribute is synthesized and no operation on it
// touches the network.
type dirNode struct {
	fs.Inode

	fsys     *FileSystem
	segments []string
}

var _ fs.InodeEmbedder = (*dirNode)(nil)
var _ fs.NodeGetattrer = (*dirNode)(nil)
var _ fs.NodeLookuper = (*dirNode)(nil)
var _ fs.NodeReaddirer = (*dirNode)(nil)
var _ fs.NodeCreater = (*dirNode)(nil)
var _ fs.NodeMkdirer = (*dirNode)(nil)
var _ fs.NodeUnlinker = (*dirNode)(nil)
var _ fs.NodeRmdirer = (*dirNode)(nil)
var _ fs.NodeRenamer = (*dirNode)(nil)
var _ fs.NodeSymlinker = (*dirNode)(nil)
var _ fs.NodeSetattrer = (*dirNode)(nil)

// Getattr synthesizes directory attributes. Size is always zero and
// the link count is self plus parent: emulated directories never track
// children.
func (n *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	fillDirAttr(&out.Attr)
	return 0
}

// Lookup classifies the child path. Directory children resolve
// instantly; file children are probed through the attribute cache.
func (n *dirNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.stats.Lookups.Add(1)

	segments := make([]string, 0, len(n.segments)+1)
	segments = append(segments, n.segments...)
	segments = append(segments, name)

	res, err := resolver.ResolveSegments(n.fsys.cfg.Scheme, segments)
	if err != nil {
		return nil, errnoFromErr(err)
	}

	if res.Kind == resolver.Directory {
		metrics.RecordLookup("dir")
		child := &dirNode{fsys: n.fsys, segments: segments}
		fillDirAttr(&out.Attr)
		return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
	}

	metrics.RecordLookup("file")
	attrs, err := n.fsys.attrs.Attributes(ctx, res.Target)
	if err != nil {
		logging.Debug("lookup probe failed",
			zap.String("target", res.Target.URL()),
			zap.Error(err))
		return nil, errnoFromErr(err)
	}

	child := &fileNode{fsys: n.fsys, target: res.Target}
	fillFileAttr(&out.Attr, attrs)
	return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG}), 0
}

// Readdir lists nothing: the namespace below a prefix is unbounded, so
// emulated directories enumerate only the dot entries the kernel adds
// itself.
func (n *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return fs.NewListDirStream(nil), 0
}

func (n *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, n.fsys.rejectWrite("create")
}

func (n *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, n.fsys.rejectWrite("mkdir")
}

func (n *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.fsys.rejectWrite("unlink")
}

func (n *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.fsys.rejectWrite("rmdir")
}

func (n *dirNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return n.fsys.rejectWrite("rename")
}

func (n *dirNode) Symlink(ctx context.Context, target, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, n.fsys.rejectWrite("symlink")
}

func (n *dirNode) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	return n.fsys.rejectWrite("setattr")
}

// fileNode is a resolved remote resource.
type fileNode struct {
	fs.Inode

	fsys   *FileSystem
	target resolver.Target
}

var _ fs.InodeEmbedder = (*fileNode)(nil)
var _ fs.NodeGetattrer = (*fileNode)(nil)
var _ fs.NodeOpener = (*fileNode)(nil)
var _ fs.NodeReader = (*fileNode)(nil)
var _ fs.NodeGetxattrer = (*fileNode)(nil)
var _ fs.NodeListxattrer = (*fileNode)(nil)
var _ fs.NodeSetattrer = (*fileNode)(nil)

// Getattr serves attributes from the cache, re-probing only after the
// TTL expires.
func (n *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	attrs, err := n.fsys.attrs.Attributes(ctx, n.target)
	if err != nil {
		return errnoFromErr(err)
	}
	fillFileAttr(&out.Attr, attrs)
	return 0
}

// Open validates the target and hands out a read handle. Any write
// intent is rejected before a single byte moves.
func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_APPEND|syscall.O_TRUNC) != 0 {
		return nil, 0, n.fsys.rejectWrite("open")
	}

	if _, err := n.fsys.attrs.Attributes(ctx, n.target); err != nil {
		return nil, 0, errnoFromErr(err)
	}

	n.fsys.stats.OpenFiles.Add(1)
	return &fileHandle{fsys: n.fsys}, gofuse.FOPEN_KEEP_CACHE, 0
}

// Read serves [off, off+len(dest)) from the remote, clamped to the
// probed size. Reads at or past end-of-file return zero bytes.
func (n *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EIO
	}
	if handle.released.Load() {
		return nil, syscall.EBADF
	}

	attrs, err := n.fsys.attrs.Attributes(ctx, n.target)
	if err != nil {
		return nil, errnoFromErr(err)
	}

	if off >= attrs.Size || len(dest) == 0 {
		return gofuse.ReadResultData(dest[:0]), 0
	}

	length := int64(len(dest))
	if off+length > attrs.Size {
		length = attrs.Size - off
	}

	result, err := n.fsys.fetcher.FetchRange(ctx, n.target, off, length)
	if err != nil {
		n.fsys.stats.FailedFetches.Add(1)
		logging.Error("range read failed",
			zap.String("target", n.target.URL()),
			zap.Int64("offset", off),
			zap.Int64("length", length),
			zap.Error(err))
		return nil, errnoFromErr(err)
	}

	window := result.Window(off, length)
	bytesRead := copy(dest, window)

	n.fsys.stats.RangeReads.Add(1)
	n.fsys.stats.BytesServed.Add(int64(bytesRead))

	return gofuse.ReadResultData(dest[:bytesRead]), 0
}

// Diagnostic attributes, readable with getfattr.
var xattrNames = []string{
	"user.httpfs.url",
	"user.httpfs.size",
	"user.httpfs.content_type",
	"user.httpfs.validity",
}

// Getxattr serves diagnostic attributes from the cache; it never
// probes a target the kernel has not already resolved.
func (n *fileNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	var value string
	switch attr {
	case "user.httpfs.url":
		value = n.target.URL()
	case "user.httpfs.validity":
		if _, err := n.fsys.attrs.Attributes(ctx, n.target); err != nil {
			value = "invalid"
		} else {
			value = "valid"
		}
	case "user.httpfs.size", "user.httpfs.content_type":
		attrs, err := n.fsys.attrs.Attributes(ctx, n.target)
		if err != nil {
			return 0, syscall.ENODATA
		}
		if attr == "user.httpfs.size" {
			value = strconv.FormatInt(attrs.Size, 10)
		} else {
			value = attrs.ContentType
		}
	default:
		return 0, syscall.ENODATA
	}

	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// Listxattr lists the diagnostic attribute names.
func (n *fileNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	var total int
	for _, attr := range xattrNames {
		total += len(attr) + 1
	}

	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}

	offset := 0
	for _, attr := range xattrNames {
		copy(dest[offset:], attr)
		offset += len(attr)
		dest[offset] = 0
		offset++
	}
	return uint32(total), 0
}

func (n *fileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	return n.fsys.rejectWrite("setattr")
}

// fileHandle is an open read handle. It carries no position or buffer:
// every read names its own range.
type fileHandle struct {
	fsys     *FileSystem
	released atomic.Bool
}

var _ fs.FileHandle = (*fileHandle)(nil)
var _ fs.FileWriter = (*fileHandle)(nil)
var _ fs.FileFlusher = (*fileHandle)(nil)
var _ fs.FileReleaser = (*fileHandle)(nil)

func (fh *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	return 0, fh.fsys.rejectWrite("write")
}

// Flush is a no-op: there is nothing buffered to push anywhere.
func (fh *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

// Release marks the handle dead. Reads arriving after release fail
// with EBADF instead of reaching the network.
func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	if fh.released.CompareAndSwap(false, true) {
		fh.fsys.stats.OpenFiles.Add(-1)
	}
	return 0
}

func fillDirAttr(out *gofuse.Attr) {
	out.Mode = dirMode
	out.Nlink = 2
	out.Size = 0
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

func fillFileAttr(out *gofuse.Attr, attrs fetch.Attributes) {
	out.Mode = fileMode
	out.Nlink = 1
	out.Size = uint64(attrs.Size)
	validated := attrs.Validated
	if validated.IsZero() {
		// Unix() on the zero time is negative and would wrap into a
		// bogus far-future timestamp.
		validated = time.Now()
	}
	mtime := uint64(validated.Unix())
	out.Mtime = mtime
	out.Atime = mtime
	out.Ctime = mtime
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

// Package fs provides a FUSE filesystem view of the report queue: every
// queued report is a markdown file that can be read, corrected or deleted,
// and new reports can be written as title[new].md.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/JohanCodinha/reportq/internal/logger"
	"github.com/JohanCodinha/reportq/internal/md"
	"github.com/JohanCodinha/reportq/internal/queue"
	"github.com/JohanCodinha/reportq/internal/sync"
)

var log = logger.Named("fs")

// maxFileSize is the maximum allowed file size (10MB) to prevent unbounded memory growth.
const maxFileSize = 10 * 1024 * 1024

// FS is the FUSE filesystem over a report queue.
type FS struct {
	queue      Queue
	mountpoint string
	server     *fuse.Server
}

// NewFS creates a filesystem instance for the given queue.
func NewFS(q Queue, mountpoint string) *FS {
	return &FS{queue: q, mountpoint: mountpoint}
}

// Mount starts the FUSE server and blocks until unmounted.
// It sets up signal handlers for graceful shutdown on SIGINT/SIGTERM.
func (f *FS) Mount() error {
	root := &rootNode{queue: f.queue}

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "reportq",
			Name:   "reportq",
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(f.mountpoint, root, opts)
	if err != nil {
		return fmt.Errorf("failed to mount FUSE filesystem: %w", err)
	}
	f.server = server

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		if _, ok := <-sigChan; ok {
			f.Unmount()
		}
	}()

	server.Wait()
	return nil
}

// Unmount stops the FUSE server gracefully.
func (f *FS) Unmount() error {
	if f.server != nil {
		return f.server.Unmount()
	}
	return nil
}

// errno maps a queue error to a filesystem error number.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, queue.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, sync.ErrBusy):
		return syscall.EBUSY
	default:
		return syscall.EIO
	}
}

func reportTimes(r *queue.PendingReport) (mtime, ctime time.Time) {
	ctime = r.CreatedAt
	mtime = ctime
	if r.LastSyncAttempt != nil {
		mtime = *r.LastSyncAttempt
	}
	return mtime, ctime
}

// rootNode is the directory listing every queued report.
type rootNode struct {
	fs.Inode
	queue Queue
}

var _ = (fs.NodeReaddirer)((*rootNode)(nil))
var _ = (fs.NodeLookuper)((*rootNode)(nil))
var _ = (fs.NodeCreater)((*rootNode)(nil))
var _ = (fs.NodeUnlinker)((*rootNode)(nil))
var _ = (fs.NodeRenamer)((*rootNode)(nil))

// Unlink discards the report.
func (r *rootNode) Unlink(ctx context.Context, name string) syscall.Errno {
	id, ok := parseFilename(name)
	if !ok {
		return syscall.ENOENT
	}
	if err := r.queue.Discard(ctx, id); err != nil {
		log.Warn("failed to discard report %d: %v", id, err)
		return errno(err)
	}
	return 0
}

// Rename is rejected: the file name is derived from the report.
func (r *rootNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EPERM
}

// Readdir lists one file per queued report.
func (r *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	reports, err := r.queue.List(ctx)
	if err != nil {
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(reports))
	for i := range reports {
		entries = append(entries, fuse.DirEntry{
			Name: md.Filename(&reports[i]),
			Ino:  uint64(reports[i].ID),
			Mode: fuse.S_IFREG,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Lookup finds a report file by name.
func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	id, ok := parseFilename(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	report, err := r.queue.Get(ctx, id)
	if err != nil {
		return nil, syscall.ENOENT
	}

	content := md.ToMarkdown(report)
	out.Mode = 0644
	out.Size = uint64(len(content))
	out.Ino = uint64(id)
	mtime, ctime := reportTimes(report)
	out.SetTimes(&mtime, &mtime, &ctime)

	node := &reportFileNode{queue: r.queue, openedAs: id, id: id}
	stable := fs.StableAttr{Mode: fuse.S_IFREG, Ino: uint64(id)}
	return r.NewInode(ctx, node, stable), 0
}

// Create starts a new report. The filename must be title[new].md.
func (r *rootNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	titlePart, ok := parseNewReportFilename(name)
	if !ok {
		return nil, nil, 0, syscall.EINVAL
	}
	title := unsanitizeTitle(titlePart)

	node := &newReportFileNode{queue: r.queue, title: title}
	stable := fs.StableAttr{
		Mode: fuse.S_IFREG,
		// High bit keeps new files apart from report ids.
		Ino: uint64(time.Now().UnixNano()) | 1<<63,
	}
	child := r.NewInode(ctx, node, stable)

	template := newReportTemplate(title)
	handle := &fileHandle{buffer: []byte(template), dirty: true}

	out.Mode = 0644
	out.Size = uint64(len(template))
	now := time.Now()
	out.SetTimes(&now, &now, &now)

	return child, handle, fuse.FOPEN_DIRECT_IO, 0
}

// fileHandle buffers the content of an open file until it is flushed.
type fileHandle struct {
	mu     gosync.Mutex
	buffer []byte
	dirty  bool
}

var _ = (fs.FileHandle)((*fileHandle)(nil))

func (h *fileHandle) read(dest []byte, off int64) fuse.ReadResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fuse.ReadResultData(slice(h.buffer, dest, off))
}

func (h *fileHandle) write(data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	endPos := int(off) + len(data)
	if endPos > maxFileSize {
		return 0, syscall.EFBIG
	}
	if endPos > len(h.buffer) {
		newBuf := make([]byte, endPos)
		copy(newBuf, h.buffer)
		h.buffer = newBuf
	}
	copy(h.buffer[off:], data)
	h.dirty = true
	return uint32(len(data)), 0
}

func (h *fileHandle) truncate(sz uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(sz) < len(h.buffer) {
		h.buffer = h.buffer[:sz]
	}
	h.dirty = true
	return uint64(len(h.buffer))
}

// slice returns the part of buf a read of len(dest) bytes at off sees.
func slice(buf, dest []byte, off int64) []byte {
	if off >= int64(len(buf)) {
		return nil
	}
	end := off + int64(len(dest))
	if end > int64(len(buf)) {
		end = int64(len(buf))
	}
	return buf[off:end]
}

// reportFileNode is the file of one queued report.
type reportFileNode struct {
	fs.Inode
	queue    Queue
	// openedAs is the id the file was looked up by. It stays the inode
	// number after an edit replaces the report.
	openedAs int64

	mu gosync.Mutex
	id int64
}

func (f *reportFileNode) currentID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

var _ = (fs.NodeGetattrer)((*reportFileNode)(nil))
var _ = (fs.NodeOpener)((*reportFileNode)(nil))
var _ = (fs.NodeReader)((*reportFileNode)(nil))
var _ = (fs.NodeWriter)((*reportFileNode)(nil))
var _ = (fs.NodeFlusher)((*reportFileNode)(nil))
var _ = (fs.NodeSetattrer)((*reportFileNode)(nil))

func (f *reportFileNode) content(ctx context.Context) (*queue.PendingReport, string, syscall.Errno) {
	report, err := f.queue.Get(ctx, f.currentID())
	if err != nil {
		return nil, "", errno(err)
	}
	return report, md.ToMarkdown(report), 0
}

// Getattr returns file attributes.
func (f *reportFileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	report, content, e := f.content(ctx)
	if e != 0 {
		return e
	}
	out.Mode = 0644
	out.Ino = uint64(f.openedAs)
	out.Size = uint64(len(content))
	if h, ok := fh.(*fileHandle); ok {
		h.mu.Lock()
		out.Size = uint64(len(h.buffer))
		h.mu.Unlock()
	}
	mtime, ctime := reportTimes(report)
	out.SetTimes(&mtime, &mtime, &ctime)
	return 0
}

// Setattr handles truncation of an open file.
func (f *reportFileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	sz, ok := in.GetSize()
	if !ok {
		return f.Getattr(ctx, fh, out)
	}

	out.Mode = 0644
	out.Ino = uint64(f.openedAs)
	out.Size = sz
	if h, ok := fh.(*fileHandle); ok {
		out.Size = h.truncate(sz)
	}
	now := time.Now()
	out.SetTimes(&now, &now, &now)
	return 0
}

// Open snapshots the report's markdown into a handle.
func (f *reportFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	_, content, e := f.content(ctx)
	if e != 0 {
		return nil, 0, e
	}
	return &fileHandle{buffer: []byte(content)}, fuse.FOPEN_DIRECT_IO, 0
}

// Read reads from the open handle, or renders the report when there is none.
func (f *reportFileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if h, ok := fh.(*fileHandle); ok {
		return h.read(dest, off), 0
	}
	_, content, e := f.content(ctx)
	if e != 0 {
		return nil, e
	}
	return fuse.ReadResultData(slice([]byte(content), dest, off)), 0
}

// Write writes to the open handle.
func (f *reportFileNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	h, ok := fh.(*fileHandle)
	if !ok {
		return 0, syscall.EBADF
	}
	return h.write(data, off)
}

// Flush resubmits the report when its content was changed.
func (f *reportFileNode) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	h, ok := fh.(*fileHandle)
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return 0
	}

	if err := f.applyBuffer(ctx, string(h.buffer)); err != nil {
		return errno(err)
	}
	h.dirty = false
	return 0
}

// applyBuffer applies an edit to the report the node currently points at
// and follows the replacement, so a later flush edits the new report.
func (f *reportFileNode) applyBuffer(ctx context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	newID, err := applyEdit(ctx, f.queue, f.id, f.openedAs, content)
	if err != nil {
		log.Warn("failed to apply edit to report %d: %v", f.id, err)
		return err
	}
	if newID != 0 {
		log.Info("report %d corrected and requeued as %d", f.id, newID)
		f.id = newID
	}
	return nil
}

// newReportFileNode is a title[new].md file not yet queued.
type newReportFileNode struct {
	fs.Inode
	queue Queue
	title string

	mu       gosync.Mutex
	queuedID int64
}

var _ = (fs.NodeGetattrer)((*newReportFileNode)(nil))
var _ = (fs.NodeOpener)((*newReportFileNode)(nil))
var _ = (fs.NodeReader)((*newReportFileNode)(nil))
var _ = (fs.NodeWriter)((*newReportFileNode)(nil))
var _ = (fs.NodeFlusher)((*newReportFileNode)(nil))
var _ = (fs.NodeSetattrer)((*newReportFileNode)(nil))

// Getattr returns attributes of the pending file.
func (f *newReportFileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0644
	if h, ok := fh.(*fileHandle); ok {
		h.mu.Lock()
		out.Size = uint64(len(h.buffer))
		h.mu.Unlock()
	}
	now := time.Now()
	out.SetTimes(&now, &now, &now)
	return 0
}

// Setattr handles truncation.
func (f *newReportFileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*fileHandle); ok {
		if sz, ok := in.GetSize(); ok {
			out.Size = h.truncate(sz)
		}
	}
	out.Mode = 0644
	now := time.Now()
	out.SetTimes(&now, &now, &now)
	return 0
}

// Open reopens the pending file with a fresh template.
func (f *newReportFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return &fileHandle{buffer: []byte(newReportTemplate(f.title))}, fuse.FOPEN_DIRECT_IO, 0
}

// Read reads from the open handle.
func (f *newReportFileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	return h.read(dest, off), 0
}

// Write writes to the open handle.
func (f *newReportFileNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	h, ok := fh.(*fileHandle)
	if !ok {
		return 0, syscall.EBADF
	}
	return h.write(data, off)
}

// Flush queues the report on close. A second flush of the same file
// resubmits the queued report instead of queuing a duplicate.
func (f *newReportFileNode) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	h, ok := fh.(*fileHandle)
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if f.queuedID == 0 {
		f.queuedID, err = submitNew(ctx, f.queue, f.title, string(h.buffer))
	} else {
		var newID int64
		newID, err = applyEdit(ctx, f.queue, f.queuedID, f.queuedID, string(h.buffer))
		if newID != 0 {
			f.queuedID = newID
		}
	}
	if err != nil {
		log.Warn("failed to queue new report %q: %v", f.title, err)
		return errno(err)
	}

	h.dirty = false
	return 0
}

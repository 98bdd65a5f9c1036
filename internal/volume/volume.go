// Package volume implements the fixed-size-page home-volume files that
// pages are copied back to by the page-map copier (spec §4.5) and read
// from directly by the buffer pool on a cold miss (spec §4.7).
//
// Grounded on _examples/SimonWaldherr-tinySQL's
// internal/storage/pager/pager.go's readPageRaw/writePageRaw: a single
// *os.File addressed with ReadAt/WriteAt at pageID*pageSize, generalized
// here to a registry of many such files (one per volume handle) instead
// of tinySQL's single database file, since this engine's journal and page
// map are keyed by (volumeHandle, pageAddress) across an open set of
// volumes.
package volume

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// DefaultPageSize matches the teacher's default; the engine never
// interprets page contents, so this is only a sizing convention for the
// reference bufpool and tests, not an invariant this package enforces.
const DefaultPageSize = 8192

// File is one home volume: a flat file of fixed-size pages addressed by
// pageAddress * pageSize.
type File struct {
	mu       sync.Mutex
	f        *os.File
	pageSize int
	id       [16]byte
	name     string
}

// Open opens (creating if necessary) the volume file at path.
func Open(path, name string, pageSize int) (*File, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("volume: open %s: %w", path, err)
	}
	fixed := [16]byte(uuid.New())
	return &File{f: f, pageSize: pageSize, id: fixed, name: name}, nil
}

// ID returns the volume's 16-byte identity, recorded in the journal's IV
// record (spec §4.4). Open generates a fresh identity each time; it is not
// stored in the volume file, so reopening the same file yields a new ID.
func (v *File) ID() [16]byte { return v.id }

// Name returns the volume's human-readable name.
func (v *File) Name() string { return v.name }

// ReadPage reads one page's raw bytes, zero-extending if the file is
// shorter than the requested page (an unallocated page reads as zeros,
// matching tinySQL's superblock-relative page addressing convention).
func (v *File) ReadPage(pageAddress uint64) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	buf := make([]byte, v.pageSize)
	off := int64(pageAddress) * int64(v.pageSize)
	n, err := v.f.ReadAt(buf, off)
	if err != nil && n == 0 {
		fi, statErr := v.f.Stat()
		if statErr == nil && off >= fi.Size() {
			return buf, nil // unallocated page
		}
		return nil, fmt.Errorf("volume: read page %d: %w", pageAddress, err)
	}
	return buf, nil
}

// WritePage writes data at pageAddress, zero-padding or truncating to the
// volume's fixed page size.
func (v *File) WritePage(pageAddress uint64, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	buf := make([]byte, v.pageSize)
	copy(buf, data)
	off := int64(pageAddress) * int64(v.pageSize)
	if _, err := v.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("volume: write page %d: %w", pageAddress, err)
	}
	return nil
}

// Sync fsyncs the volume file.
func (v *File) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.f.Sync()
}

// Close closes the underlying file.
func (v *File) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.f.Close()
}

// Registry maps volume handles to open volume files, implementing
// pagemap.VolumeWriter across every open volume (spec §4.5). It has no
// ReadPage method of its own, so it does not satisfy bufpool.VolumeReader;
// reads go through Get and File.ReadPage.
type Registry struct {
	mu      sync.RWMutex
	volumes map[uint32]*File
}

// NewRegistry builds an empty volume registry.
func NewRegistry() *Registry {
	return &Registry{volumes: make(map[uint32]*File)}
}

// Register adds an opened volume under handle.
func (r *Registry) Register(handle uint32, f *File) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes[handle] = f
}

// Get returns the volume registered under handle, or nil.
func (r *Registry) Get(handle uint32) *File {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.volumes[handle]
}

// WritePage implements pagemap.VolumeWriter.
func (r *Registry) WritePage(volumeHandle uint32, pageAddress uint64, data []byte) error {
	v := r.Get(volumeHandle)
	if v == nil {
		return fmt.Errorf("volume: unknown handle %d", volumeHandle)
	}
	return v.WritePage(pageAddress, data)
}

// Sync implements pagemap.VolumeWriter.
func (r *Registry) Sync(volumeHandle uint32) error {
	v := r.Get(volumeHandle)
	if v == nil {
		return fmt.Errorf("volume: unknown handle %d", volumeHandle)
	}
	return v.Sync()
}

// CloseAll closes every registered volume, collecting the first error.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, v := range r.volumes {
		if err := v.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

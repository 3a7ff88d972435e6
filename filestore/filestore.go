// Package filestore keeps task content files (uploaded document payloads)
// as flat files named by uuid. The scheduler never interprets the payload;
// it only moves references around and deletes files when the owning task
// reaches the end of its life.
//
// Every file carries an xxhash64 of its payload in the trailing 8 bytes.
// Files are written to a temp name and renamed into place, so a reader
// either sees a whole file or none; the checksum catches the remaining
// torn-write window after an unclean shutdown.
package filestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"

	"github.com/drpcorg/zadacha/zadacha_errors"
)

const checksumLen = 8

type FileStore struct {
	dir string
}

func New(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

// ContentFile is a content file being written. It is not visible to
// readers until Close renames it into place.
type ContentFile struct {
	ID uuid.UUID

	fs   *FileStore
	file *os.File
	hash hash.Hash64
}

// NewContentFile allocates a fresh uuid and opens its temp file.
func (fs *FileStore) NewContentFile() (*ContentFile, error) {
	file, err := os.CreateTemp(fs.dir, ".tmp-*")
	if err != nil {
		return nil, err
	}
	return &ContentFile{
		ID:   uuid.New(),
		fs:   fs,
		file: file,
		hash: xxhash.New(),
	}, nil
}

func (c *ContentFile) Write(p []byte) (int, error) {
	n, err := c.file.Write(p)
	c.hash.Write(p[:n])
	return n, err
}

// Close seals the payload with its checksum, syncs, and publishes the file
// under its uuid.
func (c *ContentFile) Close() error {
	sum := binary.BigEndian.AppendUint64(nil, c.hash.Sum64())
	if _, err := c.file.Write(sum); err != nil {
		c.discard()
		return err
	}
	if err := c.file.Sync(); err != nil {
		c.discard()
		return err
	}
	tmp := c.file.Name()
	if err := c.file.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, c.fs.path(c.ID))
}

// Abort drops the half-written file instead of publishing it.
func (c *ContentFile) Abort() {
	c.discard()
}

func (c *ContentFile) discard() {
	name := c.file.Name()
	_ = c.file.Close()
	_ = os.Remove(name)
}

func (fs *FileStore) path(id uuid.UUID) string {
	return filepath.Join(fs.dir, id.String())
}

// Read returns the payload after verifying its checksum.
func (fs *FileStore) Read(id uuid.UUID) ([]byte, error) {
	data, err := os.ReadFile(fs.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, zadacha_errors.ErrContentFileNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(data) < checksumLen {
		return nil, errors.Join(zadacha_errors.ErrCorruptedContentFile, fmt.Errorf("file %s is truncated", id))
	}
	payload := data[:len(data)-checksumLen]
	sum := binary.BigEndian.Uint64(data[len(data)-checksumLen:])
	if xxhash.Sum64(payload) != sum {
		return nil, errors.Join(zadacha_errors.ErrCorruptedContentFile, fmt.Errorf("file %s", id))
	}
	return payload, nil
}

// Delete removes the content file. Deleting an unknown id is reported but
// safe to ignore: the owning task has already consumed it.
func (fs *FileStore) Delete(id uuid.UUID) error {
	err := os.Remove(fs.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return zadacha_errors.ErrContentFileNotFound
	}
	return err
}

// All lists every published content file id, sorted lexicographically:
// blob identifiers carry no intrinsic order, and the snapshot export needs
// a stable one.
func (fs *FileStore) All() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

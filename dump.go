package zadacha

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/drpcorg/zadacha/tasks"
)

// Dump archive layout, a tar.gz under DumpsDir:
//
//	metadata.json
//	tasks/queue.jsonl
//	indexes/<name>/metadata.json
//	indexes/<name>/settings.json
//	indexes/<name>/documents.jsonl
//
// Document payloads of unfinished tasks stay in the file store; the queue
// dump carries their content-file ids, not the payload bytes.

const dumpUIDLayout = "20060102-150405.000000000"

const dumpVersion = "1"

type dumpMetadata struct {
	DumpVersion string    `json:"dumpVersion"`
	DumpDate    time.Time `json:"dumpDate"`
}

type dumpIndexMetadata struct {
	UID        string `json:"uid"`
	PrimaryKey string `json:"primaryKey,omitempty"`
}

func (s *Scheduler) executeDump(ctx context.Context, t *tasks.Task) error {
	dumpUID := time.Now().UTC().Format(dumpUIDLayout)

	if err := os.MkdirAll(s.opts.DumpsDir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.opts.DumpsDir, ".tmp-dump-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	committed := false
	defer func() {
		if !committed {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	addFile := func(name string, data []byte) error {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	meta, err := json.Marshal(dumpMetadata{DumpVersion: dumpVersion, DumpDate: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := addFile("metadata.json", meta); err != nil {
		return err
	}

	snap := s.store.Snapshot()
	defer snap.Close()

	var queue bytes.Buffer
	for task, err := range s.store.EachTask(snap) {
		if err != nil {
			return err
		}
		line, err := json.Marshal(task)
		if err != nil {
			return err
		}
		queue.Write(line)
		queue.WriteByte('\n')
	}
	if err := addFile("tasks/queue.jsonl", queue.Bytes()); err != nil {
		return err
	}

	names, err := s.mapper.Names(snap)
	if err != nil {
		return err
	}
	for _, name := range names {
		if ctx.Err() != nil || s.mustStop.Get() {
			return errAbortedBatch
		}
		if err := s.dumpIndex(addFile, snap, name); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(s.opts.DumpsDir, dumpUID+".dump")); err != nil {
		return err
	}
	committed = true

	ensureDetails(t).DumpUID = &dumpUID
	return nil
}

func (s *Scheduler) dumpIndex(addFile func(string, []byte) error, snap *pebble.Snapshot, name string) error {
	idx, err := s.mapper.Resolve(snap, name)
	if err != nil {
		return err
	}

	pk, err := idx.PrimaryKey()
	if err != nil {
		return err
	}
	meta, err := json.Marshal(dumpIndexMetadata{UID: name, PrimaryKey: pk})
	if err != nil {
		return err
	}
	prefix := path.Join("indexes", name)
	if err := addFile(path.Join(prefix, "metadata.json"), meta); err != nil {
		return err
	}

	settings, err := idx.Settings()
	if err != nil {
		return err
	}
	if settings == nil {
		settings = json.RawMessage("{}")
	}
	if err := addFile(path.Join(prefix, "settings.json"), settings); err != nil {
		return err
	}

	var docs bytes.Buffer
	for doc, err := range idx.Documents() {
		if err != nil {
			return err
		}
		docs.Write(doc)
		docs.WriteByte('\n')
	}
	return addFile(path.Join(prefix, "documents.jsonl"), docs.Bytes())
}

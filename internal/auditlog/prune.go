package auditlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Hara602/usbAudit/internal/model"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// ArchiveDir 归档目录名（位于日志文件同级）
const ArchiveDir = "archive"

// PruneResult 一次裁剪的结果
type PruneResult struct {
	Pruned     int
	Archive    string
	Checkpoint *model.CheckpointRecord
}

type rawLine struct {
	entry LogEntry
	line  []byte
}

// Prune 将早于 cutoff 的前缀记录移入 zstd 归档，活动文件以检查点开头。
// 检查点沿用最后一条被裁剪记录的序号与 entry_hash，保留部分仍可完整校验。
func (l *Log) Prune(cutoff time.Time) (PruneResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return PruneResult{}, ErrClosed
	}

	f, err := os.Open(l.path)
	if err != nil {
		return PruneResult{}, fmt.Errorf("audit: prune: %w", err)
	}
	var lines []rawLine
	err = scanLines(f, func(n int, line []byte) error {
		var e LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		lines = append(lines, rawLine{entry: e, line: line})
		return nil
	})
	f.Close()
	if err != nil {
		return PruneResult{}, fmt.Errorf("audit: prune: %w", err)
	}

	var prev *rawLine
	if len(lines) > 0 && lines[0].entry.Kind == model.KindCheckpoint {
		prev = &lines[0]
		lines = lines[1:]
	}

	n := 0
	for n < len(lines) && lines[n].entry.Time.Before(cutoff) {
		n++
	}
	if n == 0 {
		return PruneResult{}, nil
	}
	pruned, retained := lines[:n], lines[n:]
	first, last := pruned[0].entry, pruned[n-1].entry

	archive := filepath.Join(filepath.Dir(l.path), ArchiveDir,
		fmt.Sprintf("audit-%d-%d.jsonl.zst", first.Seq, last.Seq))
	if err := writeArchive(archive, prev, pruned); err != nil {
		return PruneResult{}, fmt.Errorf("audit: prune archive: %w", err)
	}

	total := uint64(n)
	if prev != nil {
		if p, err := model.UnmarshalPayload(model.KindCheckpoint, prev.entry.Payload); err == nil {
			total += p.Checkpoint.PrunedEntries
		}
	}
	cp := &model.CheckpointRecord{
		PrunedThrough: last.Seq,
		PrunedEntries: total,
		LastEntryHash: last.EntryHash,
		Cutoff:        cutoff.UTC(),
		Archive:       filepath.Join(ArchiveDir, filepath.Base(archive)),
	}
	cpLine, err := l.checkpointLine(cp)
	if err != nil {
		return PruneResult{}, err
	}

	var buf bytes.Buffer
	buf.Write(cpLine)
	buf.WriteByte('\n')
	for _, r := range retained {
		buf.Write(r.line)
		buf.WriteByte('\n')
	}
	if err := l.replace(buf.Bytes()); err != nil {
		return PruneResult{}, err
	}

	l.log.Info("audit: pruned entries",
		zap.Int("entries", n),
		zap.Uint64("through_seq", last.Seq),
		zap.String("archive", archive))
	return PruneResult{Pruned: n, Archive: archive, Checkpoint: cp}, nil
}

func (l *Log) checkpointLine(cp *model.CheckpointRecord) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	ts := l.now().UTC()
	e := LogEntry{
		Seq:         cp.PrunedThrough,
		Kind:        model.KindCheckpoint,
		Time:        ts,
		Payload:     data,
		PayloadHash: l.signer.PayloadHash(string(model.KindCheckpoint), ts, data),
		EntryHash:   cp.LastEntryHash,
	}
	return json.Marshal(e)
}

func writeArchive(path string, prev *rawLine, entries []rawLine) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	write := func(line []byte) error {
		if _, err := enc.Write(line); err != nil {
			return err
		}
		_, err := enc.Write([]byte{'\n'})
		return err
	}
	if prev != nil {
		err = write(prev.line)
	}
	for i := 0; err == nil && i < len(entries); i++ {
		err = write(entries[i].line)
	}
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}

// replace 原子替换活动文件并重新打开追加句柄
func (l *Log) replace(content []byte) error {
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return fmt.Errorf("audit: prune rewrite: %w", err)
	}
	if err := l.file.Close(); err != nil {
		l.log.Warn("audit: close before rewrite", zap.Error(err))
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		if oerr := l.openFile(); oerr != nil {
			l.closed = true
			return fmt.Errorf("audit: prune rewrite: %w (reopen: %v)", err, oerr)
		}
		return fmt.Errorf("audit: prune rewrite: %w", err)
	}
	return l.openFile()
}

// Package auditlog 只追加、哈希链式的审计日志存储。
//
// 每条记录的哈希依赖上一条记录的哈希，任何事后修改或删除都会
// 使该位置之后的链全部失效，可通过全链重算发现。
package auditlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Hara602/usbAudit/internal/hashsign"
	"github.com/Hara602/usbAudit/internal/model"
	"go.uber.org/zap"
)

const maxLineSize = 4 * 1024 * 1024

// segment 日志文件的写入面，*os.File 满足
type segment interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Log 单写者的哈希链日志
type Log struct {
	path   string
	signer *hashsign.Signer
	sealer *sealer
	now    func() time.Time
	log    *zap.Logger

	mu     sync.Mutex
	file   segment
	size   int64
	seq    uint64
	head   string
	closed bool
}

// Option 配置 Log
type Option func(*Log) error

// WithSigner 指定哈希算法
func WithSigner(s *hashsign.Signer) Option {
	return func(l *Log) error {
		l.signer = s
		return nil
	}
}

// WithEncryptionKey 使用 XChaCha20-Poly1305 加密负载（32 字节密钥）
func WithEncryptionKey(key []byte) Option {
	return func(l *Log) error {
		s, err := newSealer(key)
		if err != nil {
			return err
		}
		l.sealer = s
		return nil
	}
}

// WithClock 测试用时钟
func WithClock(now func() time.Time) Option {
	return func(l *Log) error {
		l.now = now
		return nil
	}
}

// WithLogger 运行日志
func WithLogger(log *zap.Logger) Option {
	return func(l *Log) error {
		l.log = log
		return nil
	}
}

// Open 打开（或创建）日志文件，从最后一行恢复序号与链头
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{path: path, now: time.Now, log: zap.NewNop()}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.signer == nil {
		s, err := hashsign.New(hashsign.SHA256)
		if err != nil {
			return nil, err
		}
		l.signer = s
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	l.head = l.signer.Genesis()
	last, err := lastLine(path)
	if err != nil {
		return nil, err
	}
	if last != nil {
		var e LogEntry
		if err := json.Unmarshal(last, &e); err != nil || e.EntryHash == "" {
			return nil, fmt.Errorf("%w: %s", ErrCorruptTail, path)
		}
		l.seq = e.Seq
		l.head = e.EntryHash
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) openFile() error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("audit: stat file: %w", err)
	}
	l.file = f
	l.size = info.Size()
	return nil
}

func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var last []byte
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		last = append(last[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan existing log: %w", err)
	}
	return last, nil
}

// Append 追加一条记录。写入失败时返回 *StorageFailure，
// 已写出的半行会被截断，序号与链头保持不变。
func (l *Log) Append(p model.Payload) (LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return LogEntry{}, ErrClosed
	}
	if p.Kind == model.KindCheckpoint {
		return LogEntry{}, fmt.Errorf("audit: checkpoint entries are written by Prune only")
	}

	data, err := p.Marshal()
	if err != nil {
		return LogEntry{}, fmt.Errorf("audit: marshal payload: %w", err)
	}
	encrypted := false
	if l.sealer != nil {
		if data, err = l.sealer.seal(string(p.Kind), data); err != nil {
			return LogEntry{}, fmt.Errorf("audit: encrypt payload: %w", err)
		}
		encrypted = true
	}

	seq := l.seq + 1
	ts := l.now().UTC()
	entry := LogEntry{
		Seq:         seq,
		Kind:        p.Kind,
		Time:        ts,
		Payload:     data,
		Encrypted:   encrypted,
		PayloadHash: l.signer.PayloadHash(string(p.Kind), ts, data),
		PrevHash:    l.head,
	}
	entry.EntryHash = l.signer.EntryHash(seq, entry.PayloadHash, entry.PrevHash)

	line, err := json.Marshal(entry)
	if err != nil {
		return LogEntry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if err := l.write(append(line, '\n')); err != nil {
		return LogEntry{}, &StorageFailure{Seq: seq, Err: err}
	}

	l.seq = seq
	l.head = entry.EntryHash
	return entry, nil
}

func (l *Log) write(buf []byte) error {
	n, err := l.file.Write(buf)
	if err == nil {
		err = l.file.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := l.file.Truncate(l.size); terr != nil {
				l.log.Error("audit: failed to truncate partial entry", zap.Error(terr))
			}
		}
		return err
	}
	l.size += int64(n)
	return nil
}

// Head 当前序号与链头
func (l *Log) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, l.head
}

// Path 日志文件路径
func (l *Log) Path() string { return l.path }

// Verify 全链重算
func (l *Log) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return VerifyFile(l.path)
}

// Entries 读取全部记录
func (l *Log) Entries() ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ReadFile(l.path)
}

// Decode 解出记录负载，必要时解密
func (l *Log) Decode(e LogEntry) (model.Payload, error) {
	return decode(e, l.sealer)
}

// Close 关闭文件
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

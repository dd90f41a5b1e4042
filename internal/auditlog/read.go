package auditlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Hara602/usbAudit/internal/model"
)

// ReadFile 读取日志文件中的全部记录
func ReadFile(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadEntries(f)
}

// ReadEntries 逐行解析；任一行无法解析即返回错误
func ReadEntries(r io.Reader) ([]LogEntry, error) {
	var entries []LogEntry
	err := scanLines(r, func(n int, line []byte) error {
		var e LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

func scanLines(r io.Reader, fn func(n int, line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	n := 0
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		n++
		line := make([]byte, len(raw))
		copy(line, raw)
		if err := fn(n, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// DecodePayload 解出负载；加密记录需要密钥
func DecodePayload(e LogEntry, key []byte) (model.Payload, error) {
	var s *sealer
	if key != nil {
		var err error
		if s, err = newSealer(key); err != nil {
			return model.Payload{}, err
		}
	}
	return decode(e, s)
}

func decode(e LogEntry, s *sealer) (model.Payload, error) {
	data := []byte(e.Payload)
	if e.Encrypted {
		if s == nil {
			return model.Payload{}, ErrNoKey
		}
		plain, err := s.open(string(e.Kind), data)
		if err != nil {
			return model.Payload{}, fmt.Errorf("audit: decrypt seq %d: %w", e.Seq, err)
		}
		data = plain
	}
	return model.UnmarshalPayload(e.Kind, data)
}

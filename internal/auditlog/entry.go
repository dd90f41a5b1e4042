package auditlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Hara602/usbAudit/internal/model"
)

// LogEntry 日志中的一行（JSONL）。
//
//	entry_hash   = H(seq ‖ payload_hash ‖ prev_hash)
//	payload_hash = H(kind ‖ ts ‖ payload)
//
// payload 为落盘的原始字节（加密时为密文的 base64 字符串），
// 因此无需密钥即可校验整条链。
type LogEntry struct {
	Seq         uint64            `json:"seq"`
	Kind        model.PayloadKind `json:"kind"`
	Time        time.Time         `json:"ts"`
	Payload     json.RawMessage   `json:"payload"`
	Encrypted   bool              `json:"enc,omitempty"`
	PayloadHash string            `json:"payload_hash"`
	PrevHash    string            `json:"prev_hash"`
	EntryHash   string            `json:"entry_hash"`
}

var (
	ErrClosed      = errors.New("audit log is closed")
	ErrCorruptTail = errors.New("audit log tail is not a valid entry")
	ErrNoKey       = errors.New("entry is encrypted and no key was provided")
)

// StorageFailure 追加写入失败；序号与链头均未推进
type StorageFailure struct {
	Seq uint64
	Err error
}

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("audit: storage failure appending seq %d: %v", e.Seq, e.Err)
}

func (e *StorageFailure) Unwrap() error { return e.Err }

// ChainVerificationError 校验发现断链，只上报不修复
type ChainVerificationError struct {
	FirstBroken uint64
	Broken      []uint64
}

func (e *ChainVerificationError) Error() string {
	return fmt.Sprintf("audit: hash chain broken at seq %d (%d entries affected)", e.FirstBroken, len(e.Broken))
}

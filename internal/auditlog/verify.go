package auditlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Hara602/usbAudit/internal/hashsign"
	"github.com/Hara602/usbAudit/internal/model"
	"github.com/klauspost/compress/zstd"
)

// VerifyResult 全链校验结果
type VerifyResult struct {
	Valid       bool                    `json:"valid"`
	Entries     int                     `json:"entries"`
	FirstBroken uint64                  `json:"first_broken,omitempty"`
	Broken      []uint64                `json:"broken,omitempty"`
	Checkpoint  *model.CheckpointRecord `json:"checkpoint,omitempty"`
	Reason      string                  `json:"reason,omitempty"`
}

// Err 断链时返回 *ChainVerificationError
func (r *VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ChainVerificationError{FirstBroken: r.FirstBroken, Broken: r.Broken}
}

// VerifyFile 校验日志文件
func VerifyFile(path string) (*VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &VerifyResult{Valid: true}, nil
		}
		return nil, err
	}
	defer f.Close()
	return VerifyReader(f)
}

// VerifyArchive 校验 Prune 产生的 zstd 归档
func VerifyArchive(path string) (*VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return VerifyReader(dec)
}

// VerifyReader 以重算出的哈希逐条推进链：某条被篡改后，
// 其后每一条的 prev_hash 都与重算值不符，均被报告为断链。
func VerifyReader(r io.Reader) (*VerifyResult, error) {
	res := &VerifyResult{Valid: true}
	var (
		expectedSeq  uint64 = 1
		expectedPrev string
		started      bool
	)

	broken := func(seq uint64, reason string) {
		if res.Valid {
			res.Valid = false
			res.FirstBroken = seq
			res.Reason = reason
		}
		if n := len(res.Broken); n == 0 || res.Broken[n-1] != seq {
			res.Broken = append(res.Broken, seq)
		}
	}

	err := scanLines(r, func(n int, line []byte) error {
		res.Entries++
		var e LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			broken(expectedSeq, fmt.Sprintf("line %d: parse error: %v", n, err))
			expectedSeq++
			expectedPrev = ""
			started = true
			return nil
		}

		if e.Kind == model.KindCheckpoint {
			if started {
				broken(e.Seq, fmt.Sprintf("line %d: checkpoint inside chain", n))
				expectedSeq++
				expectedPrev = ""
				return nil
			}
			res.Entries--
			cp, err := verifyCheckpoint(e)
			if err != nil {
				broken(e.Seq, err.Error())
			}
			res.Checkpoint = cp
			expectedSeq = e.Seq + 1
			expectedPrev = e.EntryHash
			started = true
			return nil
		}

		alg, err := hashsign.AlgorithmOf(e.PayloadHash)
		if err != nil {
			broken(e.Seq, fmt.Sprintf("seq %d: %v", e.Seq, err))
			expectedSeq++
			expectedPrev = ""
			started = true
			return nil
		}
		if !started {
			expectedPrev, _ = hashsign.GenesisWith(alg)
			started = true
		}

		payloadHash, _ := hashsign.PayloadHashWith(alg, string(e.Kind), e.Time, e.Payload)
		entryHash, _ := hashsign.EntryHashWith(alg, e.Seq, payloadHash, expectedPrev)

		if e.Seq != expectedSeq {
			broken(expectedSeq, fmt.Sprintf("sequence gap: expected %d, got %d", expectedSeq, e.Seq))
			expectedSeq = e.Seq
		}
		switch {
		case e.PrevHash != expectedPrev:
			broken(e.Seq, fmt.Sprintf("seq %d: prev_hash mismatch", e.Seq))
		case e.PayloadHash != payloadHash:
			broken(e.Seq, fmt.Sprintf("seq %d: payload hash mismatch", e.Seq))
		case e.EntryHash != entryHash:
			broken(e.Seq, fmt.Sprintf("seq %d: entry hash mismatch", e.Seq))
		}

		expectedSeq++
		expectedPrev = entryHash
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// verifyCheckpoint 检查点只能出现在第一行，作为保留部分的链锚
func verifyCheckpoint(e LogEntry) (*model.CheckpointRecord, error) {
	alg, err := hashsign.AlgorithmOf(e.PayloadHash)
	if err != nil {
		return nil, fmt.Errorf("audit: checkpoint: %w", err)
	}
	ph, _ := hashsign.PayloadHashWith(alg, string(e.Kind), e.Time, e.Payload)
	if ph != e.PayloadHash {
		return nil, fmt.Errorf("audit: checkpoint payload hash mismatch")
	}
	p, err := model.UnmarshalPayload(model.KindCheckpoint, e.Payload)
	if err != nil {
		return nil, fmt.Errorf("audit: checkpoint: %w", err)
	}
	cp := p.Checkpoint
	if cp.PrunedThrough != e.Seq || cp.LastEntryHash != e.EntryHash {
		return nil, fmt.Errorf("audit: checkpoint does not match its envelope")
	}
	return cp, nil
}

// Package hashsign 计算文件内容哈希以及日志链使用的记录/链式摘要。
//
// 所有摘要以 "<algorithm>:<hex>" 形式输出，日志因此是自描述的：
// 校验时按前缀选择算法，配置更换算法后旧记录仍可校验。
package hashsign

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algorithm 哈希算法名称
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA512     Algorithm = "sha512"
	SHA3_256   Algorithm = "sha3-256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// GenesisSeed 创世记录的 prev_hash 由该常量派生
const GenesisSeed = "usbaudit/genesis/v1"

var ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")

// Supported 返回所有支持的算法
func Supported() []Algorithm {
	return []Algorithm{SHA256, SHA512, SHA3_256, BLAKE2b256}
}

func newHash(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case SHA3_256:
		return sha3.New256(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
}

// Signer 按固定算法计算摘要；文件哈希结果按 (path,size,mtime) 缓存
type Signer struct {
	alg        Algorithm
	maxFileLen int64
	cache      *lru.Cache[fileKey, string]
}

type fileKey struct {
	path  string
	size  int64
	mtime int64
}

// Option 配置 Signer
type Option func(*Signer)

// WithMaxFileSize 超过该大小的文件不计算内容哈希（0 表示不限制）
func WithMaxFileSize(n int64) Option {
	return func(s *Signer) { s.maxFileLen = n }
}

// New 创建 Signer
func New(alg Algorithm, opts ...Option) (*Signer, error) {
	if alg == "" {
		alg = SHA256
	}
	if _, err := newHash(alg); err != nil {
		return nil, err
	}
	cache, err := lru.New[fileKey, string](1024)
	if err != nil {
		return nil, err
	}
	s := &Signer{alg: alg, cache: cache}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Algorithm 返回当前算法
func (s *Signer) Algorithm() Algorithm { return s.alg }

// Sum 对各部分依次计算摘要
func (s *Signer) Sum(parts ...[]byte) string {
	d, _ := sumWith(s.alg, parts...)
	return d
}

func sumWith(alg Algorithm, parts ...[]byte) (string, error) {
	h, err := newHash(alg)
	if err != nil {
		return "", err
	}
	for _, p := range parts {
		h.Write(p)
	}
	return string(alg) + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

// Genesis 创世 prev_hash
func (s *Signer) Genesis() string {
	return s.Sum([]byte(GenesisSeed))
}

// PayloadHash = H(kind ‖ 0 ‖ time ‖ 0 ‖ payload)
func (s *Signer) PayloadHash(kind string, ts time.Time, payload []byte) string {
	d, _ := PayloadHashWith(s.alg, kind, ts, payload)
	return d
}

// EntryHash = H(seq ‖ payload_hash ‖ prev_hash)
func (s *Signer) EntryHash(seq uint64, payloadHash, prevHash string) string {
	d, _ := EntryHashWith(s.alg, seq, payloadHash, prevHash)
	return d
}

// PayloadHashWith 使用指定算法计算负载摘要（校验路径使用）
func PayloadHashWith(alg Algorithm, kind string, ts time.Time, payload []byte) (string, error) {
	stamp := ts.UTC().Format(time.RFC3339Nano)
	return sumWith(alg, []byte(kind), []byte{0}, []byte(stamp), []byte{0}, payload)
}

// EntryHashWith 使用指定算法计算条目摘要
func EntryHashWith(alg Algorithm, seq uint64, payloadHash, prevHash string) (string, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return sumWith(alg, buf[:], []byte(payloadHash), []byte(prevHash))
}

// GenesisWith 指定算法下的创世摘要
func GenesisWith(alg Algorithm) (string, error) {
	return sumWith(alg, []byte(GenesisSeed))
}

// AlgorithmOf 从 "<alg>:<hex>" 中取出算法
func AlgorithmOf(digest string) (Algorithm, error) {
	i := strings.IndexByte(digest, ':')
	if i <= 0 {
		return "", fmt.Errorf("malformed digest %q", digest)
	}
	alg := Algorithm(digest[:i])
	if _, err := newHash(alg); err != nil {
		return "", err
	}
	return alg, nil
}

// FileHash 计算文件内容摘要。超过大小上限时返回空串
func (s *Signer) FileHash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if s.maxFileLen > 0 && info.Size() > s.maxFileLen {
		return "", nil
	}
	key := fileKey{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()}
	if d, ok := s.cache.Get(key); ok {
		return d, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, _ := newHash(s.alg)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	d := string(s.alg) + ":" + hex.EncodeToString(h.Sum(nil))
	s.cache.Add(key, d)
	return d, nil
}

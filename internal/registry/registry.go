// Package registry 设备登记库（首次出现时间跨会话保留）与设备关注名单，基于 SQLite。
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/usbAudit/internal/model"
	_ "modernc.org/sqlite"
)

// Wildcard 关注名单中匹配任意值的字段
const Wildcard = "*"

// placeholderSerial 廉价或伪造设备常见的占位序列号
const placeholderSerial = "000000000000"

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	vid TEXT,
	pid TEXT,
	serial TEXT,
	product TEXT,
	label TEXT,
	first_seen TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	attach_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS watchlist (
	vid TEXT,
	pid TEXT,
	serial TEXT,
	reason TEXT,
	created_at TEXT NOT NULL,
	PRIMARY KEY (vid, pid, serial)
);
`

// Device 登记库中的一台设备
type Device struct {
	ID          string    `json:"id"`
	VendorID    string    `json:"vendor_id"`
	ProductID   string    `json:"product_id"`
	Serial      string    `json:"serial"`
	Product     string    `json:"product,omitempty"`
	Label       string    `json:"label,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	AttachCount int       `json:"attach_count"`
}

// WatchEntry 关注名单条目，字段可为 Wildcard
type WatchEntry struct {
	VendorID  string    `json:"vendor_id"`
	ProductID string    `json:"product_id"`
	Serial    string    `json:"serial"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry 线程安全
type Registry struct {
	db *sql.DB
	mu sync.Mutex
}

// Open 打开（或创建）数据库并初始化表结构
func Open(dbPath string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("registry: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close 关闭数据库
func (r *Registry) Close() error { return r.db.Close() }

// RecordAttach 登记一次插入，返回设备首次出现时间。
// 无序列号的设备标识不稳定，不入库，首次出现即本次。
func (r *Registry) RecordAttach(dev model.DeviceIdentity, now time.Time) (time.Time, error) {
	now = now.UTC()
	if !dev.Stable {
		return now, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := now.Format(time.RFC3339Nano)
	_, err := r.db.Exec(`
		INSERT INTO devices (id, vid, pid, serial, product, label, first_seen, last_seen, attach_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			last_seen = excluded.last_seen,
			label = excluded.label,
			product = excluded.product,
			attach_count = devices.attach_count + 1`,
		dev.ID, dev.VendorID, dev.ProductID, dev.Serial, dev.Product, dev.Label, ts, ts)
	if err != nil {
		return now, fmt.Errorf("registry: record attach: %w", err)
	}

	var first string
	if err := r.db.QueryRow("SELECT first_seen FROM devices WHERE id = ?", dev.ID).Scan(&first); err != nil {
		return now, fmt.Errorf("registry: read first_seen: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, first)
	if err != nil {
		return now, fmt.Errorf("registry: parse first_seen: %w", err)
	}
	return t, nil
}

// Devices 列出登记过的设备，按首次出现时间排序
func (r *Registry) Devices() ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT id, vid, pid, serial, product, label, first_seen, last_seen, attach_count
		FROM devices ORDER BY first_seen, id`)
	if err != nil {
		return nil, fmt.Errorf("registry: list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var first, last string
		if err := rows.Scan(&d.ID, &d.VendorID, &d.ProductID, &d.Serial, &d.Product, &d.Label, &first, &last, &d.AttachCount); err != nil {
			return nil, err
		}
		d.FirstSeen, _ = time.Parse(time.RFC3339Nano, first)
		d.LastSeen, _ = time.Parse(time.RFC3339Nano, last)
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddWatch 添加关注规则，空字段视为 Wildcard
func (r *Registry) AddWatch(vid, pid, serial, reason string) error {
	vid, pid, serial = wild(vid), wild(pid), wild(serial)
	if vid == Wildcard && pid == Wildcard && serial == Wildcard {
		return errors.New("registry: watch rule must name at least one of vid, pid, serial")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		"INSERT OR REPLACE INTO watchlist (vid, pid, serial, reason, created_at) VALUES (?, ?, ?, ?, ?)",
		strings.ToLower(vid), strings.ToLower(pid), serial, reason, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("registry: add watch rule: %w", err)
	}
	return nil
}

// RemoveWatch 删除关注规则，返回是否存在
func (r *Registry) RemoveWatch(vid, pid, serial string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.Exec("DELETE FROM watchlist WHERE vid = ? AND pid = ? AND serial = ?",
		strings.ToLower(wild(vid)), strings.ToLower(wild(pid)), wild(serial))
	if err != nil {
		return false, fmt.Errorf("registry: remove watch rule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Watchlist 列出全部关注规则
func (r *Registry) Watchlist() ([]WatchEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query("SELECT vid, pid, serial, reason, created_at FROM watchlist ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("registry: list watchlist: %w", err)
	}
	defer rows.Close()

	var out []WatchEntry
	for rows.Next() {
		var w WatchEntry
		var created string
		if err := rows.Scan(&w.VendorID, &w.ProductID, &w.Serial, &w.Reason, &created); err != nil {
			return nil, err
		}
		w.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, w)
	}
	return out, rows.Err()
}

// Watched 判断设备是否命中关注名单；查询失败时返回错误而不是“未命中”
func (r *Registry) Watched(dev model.DeviceIdentity) (bool, string, error) {
	// 占位序列号直接命中 (硬编码的高危规则)
	if dev.Serial == placeholderSerial {
		return true, "placeholder serial number " + placeholderSerial, nil
	}
	if dev.VendorID == "" && dev.ProductID == "" && dev.Serial == "" {
		return false, "", nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var reason string
	err := r.db.QueryRow(`
		SELECT reason FROM watchlist
		WHERE (vid = ? OR vid = '*') AND (pid = ? OR pid = '*') AND (serial = ? OR serial = '*')
		LIMIT 1`,
		strings.ToLower(dev.VendorID), strings.ToLower(dev.ProductID), dev.Serial,
	).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("registry: watchlist lookup: %w", err)
	}
	if reason == "" {
		reason = "device is on the watchlist"
	}
	return true, reason, nil
}

func wild(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return Wildcard
	}
	return s
}

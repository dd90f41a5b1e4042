// Package analysis 文件内容与 USB 接口层面的静态检查。
package analysis

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Hara602/usbAudit/internal/model"
	"github.com/h2non/filetype"
)

// headSize filetype 库建议读取的文件头长度
const headSize = 262

// Result 伪装检测结果
type Result struct {
	IsMasquerade bool           // 文件头与后缀不符
	RealExt      string         // 根据文件头得出的真实后缀
	DeclaredExt  string         // 文件名中的后缀
	MIME         string         // 真实类型的 MIME
	Severity     model.Severity // 仅 IsMasquerade 时有意义
	Message      string
}

// TypeInspector 文件类型检查器，规则初始化后只读
type TypeInspector struct {
	aliasMap map[string]map[string]bool
}

// NewTypeInspector 初始化检查器
func NewTypeInspector() *TypeInspector {
	t := &TypeInspector{aliasMap: make(map[string]map[string]bool)}
	t.initRules()
	return t
}

// initRules 合法的“表里不一”白名单
func (t *TypeInspector) initRules() {
	allow := func(realType string, allowedExts ...string) {
		if _, ok := t.aliasMap[realType]; !ok {
			t.aliasMap[realType] = map[string]bool{realType: true}
		}
		for _, ext := range allowedExts {
			t.aliasMap[realType][ext] = true
		}
	}

	// ZIP 家族：最大的误报源
	allow("zip",
		"docx", "docm", "dotx", "dotm",
		"xlsx", "xlsm", "xltx", "xltm",
		"pptx", "pptm", "potx", "potm",
		"jar", "war", "ear", "apk",
		"odt", "ods", "odp",
		"crx", "whl", "nupkg", "epub", "vsix",
	)
	allow("xml", "svg", "html", "htm", "kml", "dae", "plist", "config")
	allow("mp4", "m4v", "m4a", "mov", "qt")
	allow("mov", "qt", "mp4")
	allow("ogg", "ogv", "oga", "spx", "opus")
	allow("jpg", "jpeg", "jpe", "jfif")
	allow("tif", "tiff")
	// PE 格式的各类变体
	allow("exe", "dll", "sys", "scr", "cpl", "ocx", "efi", "msi")
	allow("gz", "gzip", "tgz")
	allow("bz2", "tbz2")
	allow("xz", "txz")
	allow("elf", "so", "o", "ko", "bin")
	allow("sqlite", "db", "sqlite3")
}

// Inspect 读取文件头并与后缀比对
func (t *TypeInspector) Inspect(filePath string) (*Result, error) {
	declared := declaredExt(filePath)
	if declared == "" {
		return &Result{Message: "No extension"}, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file failed: %w", err)
	}
	defer file.Close()

	head := make([]byte, headSize)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read file header failed: %w", err)
	}
	return t.InspectHead(filePath, head[:n]), nil
}

// InspectHead 对已读取的文件头做判断
func (t *TypeInspector) InspectHead(filePath string, head []byte) *Result {
	declared := declaredExt(filePath)
	if declared == "" {
		return &Result{Message: "No extension"}
	}
	if len(head) == 0 {
		// 空文件没有 magic bytes
		return &Result{DeclaredExt: declared, Message: "Empty file"}
	}

	kind, _ := filetype.Match(head)
	// 纯文本类文件（txt、go、json...）识别为 Unknown，默认信任
	if kind == filetype.Unknown {
		return &Result{RealExt: "unknown", DeclaredExt: declared, Message: "Unknown binary signature (likely text)"}
	}

	res := &Result{RealExt: kind.Extension, DeclaredExt: declared, MIME: kind.MIME.Value}
	if kind.Extension == declared || t.aliasMap[kind.Extension][declared] {
		return res
	}

	res.IsMasquerade = true
	res.Severity = model.SeverityMedium
	switch kind.Extension {
	case "exe", "elf", "dll":
		// 可执行文件伪装成其他格式
		res.Severity = model.SeverityHigh
	}
	res.Message = fmt.Sprintf("header is %q but file is named .%s", kind.Extension, declared)
	return res
}

func declaredExt(filePath string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filePath), "."))
}

// Package record 读写主身份记录文件 (扁平 JSON 对象)。
//
// 只比较和覆盖身份字段，其它 key 原样透传：宿主应用把无关状态放在同一个文件里，
// 绝不能整体覆盖。值以原始 JSON 保存，key 顺序保持不变。
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/tidwall/jsonc"
)

// Record 有序的扁平 KV 文档
type Record struct {
	keys   []string
	values map[string]json.RawMessage

	mode        fs.FileMode
	fingerprint Fingerprint
}

// New 空记录
func New() *Record {
	return &Record{values: make(map[string]json.RawMessage), mode: 0o644}
}

// Parse 解析记录内容，允许注释和尾逗号
func Parse(data []byte) (*Record, error) {
	clean := jsonc.ToJSON(data)
	dec := json.NewDecoder(bytes.NewReader(clean))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", guarderr.ErrCorruptRecord, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: top level is not an object", guarderr.ErrCorruptRecord)
	}

	r := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", guarderr.ErrCorruptRecord, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected token %v", guarderr.ErrCorruptRecord, tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: value of %q: %v", guarderr.ErrCorruptRecord, key, err)
		}
		if _, dup := r.values[key]; !dup {
			r.keys = append(r.keys, key)
		}
		r.values[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", guarderr.ErrCorruptRecord, err)
	}
	// 对象之后不允许再有内容
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", guarderr.ErrCorruptRecord)
	}
	r.fingerprint = Sum(data)
	return r, nil
}

// Keys 按原顺序返回所有 key
func (r *Record) Keys() []string { return append([]string(nil), r.keys...) }

// Raw 某个 key 的原始 JSON
func (r *Record) Raw(key string) (json.RawMessage, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Get 字符串值。非字符串值返回其 JSON 文本
func (r *Record) Get(key string) (string, bool) {
	raw, ok := r.values[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw), true
	}
	return s, true
}

// Set 设置字符串值，新 key 追加在末尾
func (r *Record) Set(key, value string) {
	raw, _ := json.Marshal(value)
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = raw
}

// Diverged 返回与期望值不一致 (含缺失) 的身份字段
func (r *Record) Diverged(fields []string, want func(field string) string) []string {
	var out []string
	for _, f := range fields {
		if v, ok := r.Get(f); !ok || v != want(f) {
			out = append(out, f)
		}
	}
	return out
}

// Apply 只改写身份字段，返回实际修改过的字段
func (r *Record) Apply(fields []string, want func(field string) string) []string {
	changed := r.Diverged(fields, want)
	for _, f := range changed {
		r.Set(f, want(f))
	}
	return changed
}

// Marshal 4 空格缩进输出，与 VS Code 写出的格式一致
func (r *Record) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(r.values[k])
	}
	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "    "); err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return out.Bytes(), nil
}

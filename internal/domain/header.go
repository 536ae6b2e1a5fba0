package domain

import "strings"

// Header は名前と値の組を表す.
type Header struct {
	Name  string
	Value string
}

// Headers は挿入順を保持する多値ヘッダーの集合.
// 名前の比較は大文字小文字を区別しない.
type Headers struct {
	entries []Header
	sealed  bool
}

// NewHeaders は空のHeadersを作成.
func NewHeaders() *Headers {
	return &Headers{}
}

// Add は末尾にヘッダーを追加する. 同名のヘッダーも残る.
func (h *Headers) Add(name, value string) {
	h.mustBeMutable()
	h.entries = append(h.entries, Header{Name: name, Value: value})
}

// Set は同名のヘッダーをすべて置き換える.
// 最初に現れた位置に新しい値を残す.
func (h *Headers) Set(name, value string) {
	h.mustBeMutable()
	kept := h.entries[:0]
	replaced := false
	for _, e := range h.entries {
		if !strings.EqualFold(e.Name, name) {
			kept = append(kept, e)
			continue
		}
		if !replaced {
			kept = append(kept, Header{Name: name, Value: value})
			replaced = true
		}
	}
	h.entries = kept
	if !replaced {
		h.entries = append(h.entries, Header{Name: name, Value: value})
	}
}

// Del は同名のヘッダーをすべて削除.
func (h *Headers) Del(name string) {
	h.mustBeMutable()
	kept := h.entries[:0]
	for _, e := range h.entries {
		if !strings.EqualFold(e.Name, name) {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Clear はすべてのヘッダーを削除.
func (h *Headers) Clear() {
	h.mustBeMutable()
	h.entries = nil
}

// Get は最初に一致した値を返す. 存在しなければ空文字.
func (h *Headers) Get(name string) string {
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			return e.Value
		}
	}
	return ""
}

// Has は指定された名前のヘッダーが存在するか確認.
func (h *Headers) Has(name string) bool {
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			return true
		}
	}
	return false
}

// Values は一致する値をすべて挿入順で返す.
func (h *Headers) Values(name string) []string {
	var values []string
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			values = append(values, e.Value)
		}
	}
	return values
}

// All はヘッダーのコピーを挿入順で返す.
func (h *Headers) All() []Header {
	out := make([]Header, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len はヘッダーの件数.
func (h *Headers) Len() int {
	return len(h.entries)
}

// Seal は以降の変更を禁止する.
func (h *Headers) Seal() {
	h.sealed = true
}

// Sealed は変更が禁止されているか.
func (h *Headers) Sealed() bool {
	return h.sealed
}

// mustBeMutable はコミット後の変更を利用側のバグとして報告する.
func (h *Headers) mustBeMutable() {
	if h.sealed {
		panic(ErrCommitted)
	}
}

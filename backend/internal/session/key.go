package session

import (
	"errors"
	"strings"
)

var ErrBadKey = errors.New("bad document key")

// Key is a composite document identifier. The full string is the in-memory
// session key; only the trailing segment is the durable-storage key.
// 例："ws-7:doc-42" 的存储键是 "doc-42"。
type Key struct {
	Full    string
	Storage string
}

func ParseKey(full string) (Key, error) {
	full = strings.TrimSpace(full)
	if full == "" {
		return Key{}, ErrBadKey
	}
	storage := full
	if i := strings.LastIndex(full, ":"); i >= 0 {
		storage = full[i+1:]
	}
	if storage == "" {
		return Key{}, ErrBadKey
	}
	return Key{Full: full, Storage: storage}, nil
}

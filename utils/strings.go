package utils

import (
	"unsafe"
)

func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return *(*string)(unsafe.Pointer(&b))
}

// EntryKey builds the composite lookup key for a (kind, id) pair.
func EntryKey(kind, id string) string {
	if id == "" {
		return kind
	}
	return kind + "/" + id
}

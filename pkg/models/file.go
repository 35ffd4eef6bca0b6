package models

import (
	"fmt"
	"time"
)

// FileKind classifies a referenced file for context assembly.
type FileKind string

const (
	FileText   FileKind = "text"
	FileBinary FileKind = "binary"
	// FileImage is a binary file eligible for vision attachment.
	FileImage FileKind = "image"
)

// FileRef is a reference to a file considered for context assembly.
// Identity across calls is (AbsPath, ModTime, SizeBytes); content identity is
// ContentHash, computed lazily.
type FileRef struct {
	AbsPath       string    `json:"abs_path"`
	SizeBytes     int64     `json:"size_bytes"`
	ModTime       time.Time `json:"mtime"`
	ContentHash   string    `json:"content_hash,omitempty"`
	TokenEstimate int       `json:"token_estimate,omitempty"`
	Kind          FileKind  `json:"kind"`
	// Priority marks files the caller forced into the inline set.
	Priority bool `json:"priority,omitempty"`
	// Attachment marks files explicitly routed to the overflow store.
	Attachment bool `json:"attachment,omitempty"`
}

// Fingerprint identifies this file version without reading its content.
// Two calls see the same fingerprint iff path, mtime and size all match.
func (f *FileRef) Fingerprint() string {
	return fmt.Sprintf("%s|%d|%d", f.AbsPath, f.ModTime.UnixNano(), f.SizeBytes)
}

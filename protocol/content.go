package protocol

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Content block types.
const (
	ContentText         = "text"
	ContentImage        = "image"
	ContentAudio        = "audio"
	ContentResourceLink = "resource_link"
	ContentResource     = "resource"
)

// ContentBlock is a tagged union discriminated by Type.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image, audio
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`

	// resource_link
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`

	// resource
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource carries file content inline in a prompt or history entry.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Validate checks that the block's required members for its type are set.
func (b ContentBlock) Validate() error {
	switch b.Type {
	case ContentText:
		return nil
	case ContentImage, ContentAudio:
		if b.Data == "" || b.MimeType == "" {
			return fmt.Errorf("%s block requires data and mimeType", b.Type)
		}
	case ContentResourceLink:
		if b.URI == "" {
			return fmt.Errorf("resource_link block requires uri")
		}
	case ContentResource:
		if b.Resource == nil || b.Resource.URI == "" {
			return fmt.Errorf("resource block requires resource.uri")
		}
	case "":
		return fmt.Errorf("content block has no type")
	default:
		return fmt.Errorf("unsupported content block type %q", b.Type)
	}
	return nil
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// FileResourceBlock embeds a file's text under its file:// URI.
func FileResourceBlock(path, text string) ContentBlock {
	return ContentBlock{
		Type: ContentResource,
		Resource: &EmbeddedResource{
			URI:      FileURI(path),
			MimeType: "text/plain",
			Text:     text,
		},
	}
}

// FileURI converts an absolute path into a file:// URI.
func FileURI(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

// FilePath extracts a filesystem path from a file:// URI or a bare path.
// ok is false for URIs with any other scheme.
func FilePath(uri string) (path string, ok bool) {
	if uri == "" {
		return "", false
	}
	if !strings.Contains(uri, "://") {
		return uri, true
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		p = "//" + u.Host + p
	}
	return filepath.FromSlash(p), true
}

package chunk

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Info describes one stored audio chunk.
type Info struct {
	Key         string
	SessionID   string
	Index       int
	Size        int64
	WrittenAtMs int64
	ContentType string
}

// Prefix returns the object key prefix holding all chunks of a session.
func Prefix(sessionID string) string {
	return fmt.Sprintf("sessions/%s/", sessionID)
}

// BuildKey renders the chunk object key. The zero-padded index is the
// authoritative ordering key; the timestamp is informational only.
func BuildKey(sessionID string, index int, writtenAtMs int64, contentType string) string {
	return fmt.Sprintf("sessions/%s/chunk_%05d_%d%s", sessionID, index, writtenAtMs, extensionFor(contentType))
}

// ParseKey extracts session id, index and timestamp from a chunk object key.
func ParseKey(key string) (Info, error) {
	info := Info{Key: key}

	dir, file := path.Split(key)
	parts := strings.Split(strings.Trim(dir, "/"), "/")
	if len(parts) != 2 || parts[0] != "sessions" || parts[1] == "" {
		return info, fmt.Errorf("malformed chunk key: %s", key)
	}
	info.SessionID = parts[1]

	name := strings.TrimSuffix(file, path.Ext(file))
	fields := strings.Split(name, "_")
	if len(fields) != 3 || fields[0] != "chunk" {
		return info, fmt.Errorf("malformed chunk key: %s", key)
	}

	index, err := strconv.Atoi(fields[1])
	if err != nil {
		return info, fmt.Errorf("malformed chunk index in key %s: %w", key, err)
	}
	writtenAt, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return info, fmt.Errorf("malformed chunk timestamp in key %s: %w", key, err)
	}

	info.Index = index
	info.WrittenAtMs = writtenAt
	info.ContentType = contentTypeForExt(path.Ext(file))
	return info, nil
}

func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "audio/webm", "":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	default:
		return ".bin"
	}
}

func contentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".webm":
		return "audio/webm"
	case ".ogg":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

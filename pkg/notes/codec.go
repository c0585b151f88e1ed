// Package notes encodes and decodes the metadata block Bob embeds at the
// tail of a device item's free-text notes. The block is a serialization
// format with a versioned header, not a convention: it is always rewritten
// in full, and user-authored lines outside it are preserved verbatim.
//
// Layout of a full block:
//
//	<user lines>
//
//	---
//	BOB: v=1 task=TK-7GQ2XN id=f3k2... story=st9 synced=1719246000000
//	#story: ST-12 Paint the fence
//	#task: TK-7GQ2XN
//	#tags: home,errand
//	bob://task/f3k2...
package notes

import (
	"strconv"
	"strings"
	"time"
)

// HeaderToken introduces the metadata header line. The version key rides
// inside the header so future format changes can be detected on decode.
const HeaderToken = "BOB:"

// Separator is the line emitted between user text and the block. Decode
// accepts any run of three or more dashes for tolerance of hand editing.
const Separator = "---"

const deepLinkScheme = "bob://"

// Header keys, in the order they are emitted. Anything else found in a
// header line survives decoding (callers can inspect it) but is dropped on
// encode.
var headerKeys = []string{
	KeyVersion, KeyTaskRef, KeyTaskID, KeyStoryID, KeyGoalID, KeySprintID, KeyList, KeySynced,
}

const (
	KeyVersion  = "v"
	KeyTaskRef  = "task"
	KeyTaskID   = "id"
	KeyStoryID  = "story"
	KeyGoalID   = "goal"
	KeySprintID = "sprint"
	KeyList     = "list"
	KeySynced   = "synced"
)

// Extension keys, in emit order. Stored in the metadata map with their
// leading '#' so they cannot collide with header keys.
var extensionKeys = []string{
	ExtSprint, ExtTheme, ExtStory, ExtTask, ExtGoal, ExtTags, ExtList,
}

const (
	ExtSprint = "#sprint"
	ExtTheme  = "#theme"
	ExtStory  = "#story"
	ExtTask   = "#task"
	ExtGoal   = "#goal"
	ExtTags   = "#tags"
	ExtList   = "#list"
)

// legacyKeys maps pre-header single-purpose "key: value" note lines onto
// header keys. Older clients wrote these instead of a block.
var legacyKeys = map[string]string{
	"taskref":  KeyTaskRef,
	"taskid":   KeyTaskID,
	"storyid":  KeyStoryID,
	"goalid":   KeyGoalID,
	"sprintid": KeySprintID,
}

// deep-link path segment -> header key holding the id
var deepLinkKinds = []struct {
	kind string
	key  string
}{
	{"task", KeyTaskID},
	{"story", KeyStoryID},
	{"goal", KeyGoalID},
	{"sprint", KeySprintID},
}

// Metadata is the decoded block: header keys plus '#'-prefixed extension
// keys, all values raw strings.
type Metadata map[string]string

// SyncedAt returns the synced timestamp, or the zero time when absent or
// malformed.
func (m Metadata) SyncedAt() time.Time {
	raw := m[KeySynced]
	if raw == "" {
		return time.Time{}
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || millis <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}

// SetSyncedAt stores a synced timestamp as epoch millis.
func (m Metadata) SetSyncedAt(t time.Time) {
	if t.IsZero() {
		delete(m, KeySynced)
		return
	}
	m[KeySynced] = strconv.FormatInt(t.UnixMilli(), 10)
}

// Tags splits the #tags extension value.
func (m Metadata) Tags() []string {
	raw := m[ExtTags]
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// SetTags stores tags into the #tags extension value.
func (m Metadata) SetTags(tags []string) {
	if len(tags) == 0 {
		delete(m, ExtTags)
		return
	}
	m[ExtTags] = strings.Join(tags, ",")
}

// Decode splits notes into the metadata block and the user-authored lines.
// It never fails: malformed input degrades to empty metadata with all
// lines treated as user text. Legacy link lines found among the user lines
// are absorbed into the metadata whether or not a block is present; the
// hide-metadata mode leaves only those lines behind, and they must still
// decode as identity rather than pile up as user text on every rewrite.
func Decode(text string) (Metadata, []string) {
	if text == "" {
		return Metadata{}, nil
	}
	lines := strings.Split(text, "\n")

	headerIdx := -1
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), HeaderToken) {
			headerIdx = i // keep scanning: the last header wins
		}
	}
	if headerIdx == -1 {
		md := Metadata{}
		var userLines []string
		for _, line := range lines {
			if absorbLegacyLine(md, line) {
				continue
			}
			userLines = append(userLines, line)
		}
		return md, userLines
	}

	blockStart := headerIdx
	if blockStart > 0 && isSeparator(lines[blockStart-1]) {
		blockStart--
		if blockStart > 0 && strings.TrimSpace(lines[blockStart-1]) == "" {
			blockStart--
		}
	}
	blockEnd := headerIdx + 1
	for blockEnd < len(lines) && isBlockLine(lines[blockEnd]) {
		blockEnd++
	}

	md := parseHeader(lines[headerIdx])
	for _, line := range lines[headerIdx+1 : blockEnd] {
		absorbBlockLine(md, line)
	}

	var userLines []string
	for i, line := range lines {
		if i >= blockStart && i < blockEnd {
			continue
		}
		if absorbLegacyLine(md, line) {
			continue
		}
		userLines = append(userLines, line)
	}
	return md, userLines
}

// Encode renders notes from user lines and metadata. With includeBlock the
// full block is emitted; without it only the user lines plus bare deep
// links survive (the "hide metadata" mode). Encode never fails; empty
// values are simply omitted.
func Encode(md Metadata, userLines []string, includeBlock bool) string {
	if md == nil {
		md = Metadata{}
	}
	out := make([]string, 0, len(userLines)+len(md)+4)
	out = append(out, userLines...)

	if !includeBlock {
		out = append(out, deepLinkLines(md)...)
		return strings.Join(out, "\n")
	}

	// Exactly one blank line between user text and the block.
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	if len(out) > 0 {
		out = append(out, "")
	}
	out = append(out, Separator, headerLine(md))
	for _, key := range extensionKeys {
		if value := md[key]; value != "" {
			out = append(out, key+": "+value)
		}
	}
	out = append(out, deepLinkLines(md)...)
	return strings.Join(out, "\n")
}

func headerLine(md Metadata) string {
	var b strings.Builder
	b.WriteString(HeaderToken)
	for _, key := range headerKeys {
		value := md[key]
		if key == KeyVersion && value == "" {
			value = "1"
		}
		if value == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(value)
	}
	return b.String()
}

func deepLinkLines(md Metadata) []string {
	var links []string
	for _, dl := range deepLinkKinds {
		if id := md[dl.key]; id != "" {
			links = append(links, deepLinkScheme+dl.kind+"/"+id)
		}
	}
	return links
}

func parseHeader(line string) Metadata {
	md := Metadata{}
	rest := strings.TrimSpace(line)
	rest = strings.TrimPrefix(rest, HeaderToken)
	for _, field := range strings.Fields(rest) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" || value == "" {
			continue
		}
		md[key] = value
	}
	return md
}

func absorbBlockLine(md Metadata, line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if id, key, ok := parseDeepLink(trimmed); ok {
		if md[key] == "" {
			md[key] = id
		}
		return
	}
	if !strings.HasPrefix(trimmed, "#") {
		return
	}
	key, value, ok := strings.Cut(trimmed, ":")
	if !ok {
		return
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	for _, known := range extensionKeys {
		if strings.EqualFold(key, known) {
			md[known] = value
			return
		}
	}
	// Unknown '#' line: keep it so it round-trips through the map even
	// though Encode will not re-emit it.
	md[strings.ToLower(key)] = value
}

// absorbLegacyLine recognizes pre-block single-purpose lines: bare deep
// links and explicit "taskRef: TK-XXXXXX" style lines. Returns true when
// the line was consumed.
func absorbLegacyLine(md Metadata, line string) bool {
	trimmed := strings.TrimSpace(line)
	if id, key, ok := parseDeepLink(trimmed); ok {
		if md[key] == "" {
			md[key] = id
		}
		return true
	}
	key, value, ok := strings.Cut(trimmed, ":")
	if !ok {
		return false
	}
	mapped, known := legacyKeys[strings.ToLower(strings.TrimSpace(key))]
	if !known {
		return false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	if md[mapped] == "" {
		md[mapped] = value
	}
	return true
}

func parseDeepLink(line string) (id, key string, ok bool) {
	if !strings.HasPrefix(line, deepLinkScheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(line, deepLinkScheme)
	kind, id, found := strings.Cut(rest, "/")
	if !found || id == "" || strings.ContainsAny(id, " \t/") {
		return "", "", false
	}
	for _, dl := range deepLinkKinds {
		if dl.kind == kind {
			return id, dl.key, true
		}
	}
	return "", "", false
}

func isSeparator(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 3 {
		return false
	}
	for _, r := range trimmed {
		if r != '-' {
			return false
		}
	}
	return true
}

func isBlockLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return true
	}
	_, _, ok := parseDeepLink(trimmed)
	return ok
}

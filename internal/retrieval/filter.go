package retrieval

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Mode selects which unit-level namespace a filter may use. Text search
// accepts chunk.* keys, image search accepts image.* keys; doc.* is valid
// in both.
type Mode string

const (
	ModeText  Mode = "text"
	ModeImage Mode = "image"
)

// Condition is one {key, value} constraint. A nil value matches rows where
// the metadata path is absent.
type Condition struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// Filter is an ordered conjunction of conditions.
type Filter []Condition

// InvalidFilterError rejects a filter before any embedding or SQL work.
type InvalidFilterError struct {
	Msg string
}

func (e *InvalidFilterError) Error() string {
	return "invalid metadata filter: " + e.Msg
}

func invalidFilterf(format string, args ...interface{}) error {
	return &InvalidFilterError{Msg: fmt.Sprintf(format, args...)}
}

var filterKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_:-]+(?:\.[A-Za-z0-9_:-]+)*$`)

// Bare keys in these sets are shorthands for the unit-level namespace of
// the active mode; anything else unprefixed falls through to doc metadata.
var textHintKeys = map[string]bool{
	"source_type":    true,
	"source_label":   true,
	"block_index":    true,
	"chunk_index":    true,
	"page":           true,
	"page_start":     true,
	"page_end":       true,
	"section_title":  true,
	"table_index":    true,
	"image_index":    true,
	"caption_text":   true,
	"caption_source": true,
	"title_prefixed": true,
}

var imageHintKeys = map[string]bool{
	"source_type":    true,
	"page":           true,
	"image_index":    true,
	"caption_text":   true,
	"caption_source": true,
	"width":          true,
	"height":         true,
	"format":         true,
	"mime_type":      true,
	"color_mode":     true,
}

type resolvedCondition struct {
	target string // "doc", "chunk" or "image"
	path   []string
	value  *string // nil means IS NULL
}

// resolve validates every condition against the closed key namespace and
// the search mode. The whole filter is rejected on the first bad key so a
// typo never silently matches zero rows.
func (f Filter) resolve(mode Mode) ([]resolvedCondition, error) {
	out := make([]resolvedCondition, 0, len(f))
	for _, cond := range f {
		target, path, err := resolveKey(cond.Key, mode)
		if err != nil {
			return nil, err
		}
		value, err := normalizeValue(cond.Value, cond.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, resolvedCondition{target: target, path: path, value: value})
	}
	return out, nil
}

func resolveKey(rawKey string, mode Mode) (string, []string, error) {
	key := strings.TrimSpace(rawKey)
	if key == "" {
		return "", nil, invalidFilterf("keys cannot be empty")
	}
	if !filterKeyPattern.MatchString(key) {
		return "", nil, invalidFilterf("invalid key %q", rawKey)
	}

	lowered := strings.ToLower(key)
	head, remainder, hasDot := strings.Cut(key, ".")
	prefix := strings.ToLower(head)

	if hasDot {
		switch prefix {
		case "doc", "document":
			path, err := splitPath(remainder)
			if err != nil {
				return "", nil, err
			}
			return "doc", path, nil
		case "chunk", "vsdoc":
			if mode != ModeText {
				return "", nil, invalidFilterf("key %q is not valid for image search", rawKey)
			}
			path, err := splitPath(remainder)
			if err != nil {
				return "", nil, err
			}
			return "chunk", path, nil
		case "image", "img":
			if mode != ModeImage {
				return "", nil, invalidFilterf("key %q is not valid for text search", rawKey)
			}
			path, err := splitPath(remainder)
			if err != nil {
				return "", nil, err
			}
			return "image", path, nil
		}
	}

	// Unprefixed keys (and dotted keys with an unrecognized prefix) are
	// doc metadata unless they name a unit-level hint for the active mode.
	path, err := splitPath(key)
	if err != nil {
		return "", nil, err
	}
	if mode == ModeText && textHintKeys[lowered] {
		return "chunk", path, nil
	}
	if mode == ModeImage && imageHintKeys[lowered] {
		return "image", path, nil
	}
	return "doc", path, nil
}

func splitPath(key string) ([]string, error) {
	segments := strings.Split(key, ".")
	for i, segment := range segments {
		segments[i] = strings.TrimSpace(segment)
		if segments[i] == "" {
			return nil, invalidFilterf("invalid key path %q", key)
		}
	}
	return segments, nil
}

// normalizeValue coerces scalar filter values to their text form, since
// jsonb_extract_path_text compares as text.
func normalizeValue(value interface{}, key string) (*string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool:
		s := strconv.FormatBool(v)
		return &s, nil
	case string:
		return &v, nil
	case int:
		s := strconv.Itoa(v)
		return &s, nil
	case int64:
		s := strconv.FormatInt(v, 10)
		return &s, nil
	case float64:
		s := strconv.FormatFloat(v, 'f', -1, 64)
		return &s, nil
	case float32:
		s := strconv.FormatFloat(float64(v), 'f', -1, 32)
		return &s, nil
	default:
		return nil, invalidFilterf("value for key %q must be scalar", key)
	}
}

// buildSQL renders the resolved conditions as AND clauses over the target
// columns, using positional args starting at argIndex. Metadata columns may
// be json or jsonb depending on migration history, hence the cast.
func buildSQL(conds []resolvedCondition, targetColumns map[string]string, argIndex int) (string, []interface{}, error) {
	var sb strings.Builder
	var args []interface{}
	for _, cond := range conds {
		column, ok := targetColumns[cond.target]
		if !ok {
			return "", nil, invalidFilterf("unsupported filter target %q", cond.target)
		}
		placeholders := make([]string, 0, len(cond.path))
		for _, segment := range cond.path {
			args = append(args, segment)
			placeholders = append(placeholders, fmt.Sprintf("$%d", argIndex))
			argIndex++
		}
		expr := fmt.Sprintf("jsonb_extract_path_text(CAST(%s AS jsonb), %s)", column, strings.Join(placeholders, ", "))
		if cond.value == nil {
			sb.WriteString(" AND " + expr + " IS NULL")
			continue
		}
		args = append(args, *cond.value)
		sb.WriteString(fmt.Sprintf(" AND %s = $%d", expr, argIndex))
		argIndex++
	}
	return sb.String(), args, nil
}

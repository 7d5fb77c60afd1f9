// Package itemcodec turns opaque JSON records into cache items by locating
// their id and timestamps with JSONPath expressions.
package itemcodec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentic-research/rangecache/api"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

var ErrMissingKey = errors.New("record is missing a key field")

// Codec extracts item keys from records.
type Codec struct {
	ID        jp.Expr
	CreatedAt jp.Expr
	UpdatedAt jp.Expr
}

// New compiles the three selectors. An empty updatedAt selector makes
// UpdatedAt fall back to CreatedAt.
func New(id, createdAt, updatedAt string) (*Codec, error) {
	c := &Codec{}
	var err error
	if c.ID, err = parse("id", id); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parse("createdAt", createdAt); err != nil {
		return nil, err
	}
	if updatedAt != "" {
		if c.UpdatedAt, err = parse("updatedAt", updatedAt); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func parse(field, selector string) (jp.Expr, error) {
	x, err := jp.ParseString(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid %s jsonpath '%s': %w", field, selector, err)
	}
	return x, nil
}

// Decode builds an item from one record. The raw bytes become the payload.
func (c *Codec) Decode(raw []byte) (api.Item, error) {
	doc, err := oj.Parse(raw)
	if err != nil {
		return api.Item{}, fmt.Errorf("parse record: %w", err)
	}
	return c.decode(doc, raw)
}

// DecodeAll decodes a JSON array of records.
func (c *Codec) DecodeAll(raw []byte) ([]api.Item, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse record list: %w", err)
	}
	out := make([]api.Item, 0, len(records))
	for i, r := range records {
		it, err := c.Decode(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, it)
	}
	return out, nil
}

func (c *Codec) decode(doc any, raw []byte) (api.Item, error) {
	it := api.Item{Payload: append(json.RawMessage(nil), raw...)}

	switch v := c.ID.First(doc).(type) {
	case string:
		it.ID = v
	case int64:
		it.ID = fmt.Sprintf("%d", v)
	case nil:
		return api.Item{}, fmt.Errorf("%w: id", ErrMissingKey)
	default:
		return api.Item{}, fmt.Errorf("id has unsupported type %T", v)
	}
	if it.ID == "" {
		return api.Item{}, fmt.Errorf("%w: id", ErrMissingKey)
	}

	var err error
	if it.CreatedAt, err = timeAt(c.CreatedAt, doc, "createdAt"); err != nil {
		return api.Item{}, err
	}
	it.UpdatedAt = it.CreatedAt
	if c.UpdatedAt != nil && c.UpdatedAt.First(doc) != nil {
		if it.UpdatedAt, err = timeAt(c.UpdatedAt, doc, "updatedAt"); err != nil {
			return api.Item{}, err
		}
	}
	return it, nil
}

// timeAt reads an RFC 3339 string or a Unix millisecond number.
func timeAt(x jp.Expr, doc any, field string) (time.Time, error) {
	switch v := x.First(doc).(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", field, err)
		}
		return t.UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("%w: %s", ErrMissingKey, field)
	default:
		return time.Time{}, fmt.Errorf("%s has unsupported type %T", field, v)
	}
}

package offlinekit

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Item is one record of an entity collection, keyed by its "id" field.
type Item map[string]any

func (it Item) id() (string, bool) {
	v, ok := it["id"]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

// EntityRecord is the last known local state of an entity collection.
type EntityRecord struct {
	Entity       string `json:"entity"`
	Items        []Item `json:"items"`
	LastModified int64  `json:"lastModified"`
}

func (r *EntityRecord) itemsJSON() json.RawMessage {
	items := r.Items
	if items == nil {
		items = []Item{}
	}
	b, _ := json.Marshal(items)
	return b
}

// decodeItems accepts a single object or an array of objects.
func decodeItems(data json.RawMessage) ([]Item, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []Item
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
		return items, nil
	}
	var it Item
	if err := json.Unmarshal(trimmed, &it); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return []Item{it}, nil
}

// applyOperation returns items with op applied: create appends, update
// merges fields into the item with the same id, delete removes by id.
func applyOperation(items []Item, op Operation, data json.RawMessage) ([]Item, error) {
	incoming, err := decodeItems(data)
	if err != nil {
		return nil, err
	}

	out := append([]Item(nil), items...)
	switch op {
	case OpCreate:
		out = append(out, incoming...)
	case OpUpdate:
		for _, in := range incoming {
			id, ok := in.id()
			if !ok {
				return nil, fmt.Errorf("update: item without id")
			}
			for i, existing := range out {
				if eid, ok := existing.id(); ok && eid == id {
					merged := make(Item, len(existing)+len(in))
					for k, v := range existing {
						merged[k] = v
					}
					for k, v := range in {
						merged[k] = v
					}
					out[i] = merged
				}
			}
		}
	case OpDelete:
		drop := make(map[string]struct{}, len(incoming))
		for _, in := range incoming {
			id, ok := in.id()
			if !ok {
				return nil, fmt.Errorf("delete: item without id")
			}
			drop[id] = struct{}{}
		}
		kept := out[:0]
		for _, existing := range out {
			if eid, ok := existing.id(); ok {
				if _, gone := drop[eid]; gone {
					continue
				}
			}
			kept = append(kept, existing)
		}
		out = kept
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	return out, nil
}

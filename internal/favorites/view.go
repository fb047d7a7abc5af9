package favorites

import (
	"encoding/json"
	"time"
)

// GVKRef identifies the resource kind a Favorite is scoped to.
type GVKRef struct {
	Group   string `json:"group"`
	Version string `json:"version"`
	Kind    string `json:"kind"`
}

// Favorite is a named, saved set of field paths for one GVK.
type Favorite struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	GVK       GVKRef     `json:"gvk"`
	Fields    [][]string `json:"fields"`
	CreatedAt time.Time  `json:"createdAt"`

	// extra carries any JSON object fields this build doesn't know
	// about, so a rewrite never drops data a newer build wrote.
	extra map[string]interface{}
}

// MarshalJSON writes createdAt as epoch seconds per the on-disk format
// and reinserts any unrecognized fields carried from a previous load.
func (f Favorite) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(f.extra)+5)
	for k, v := range f.extra {
		m[k] = v
	}
	m["id"] = f.ID
	m["name"] = f.Name
	m["gvk"] = f.GVK
	m["fields"] = f.Fields
	m["createdAt"] = f.CreatedAt.Unix()
	return json.Marshal(m)
}

// UnmarshalJSON reads createdAt from epoch seconds and keeps any
// unrecognized fields in extra so they survive the next rewrite.
func (f *Favorite) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	type known struct {
		ID        string     `json:"id"`
		Name      string     `json:"name"`
		GVK       GVKRef     `json:"gvk"`
		Fields    [][]string `json:"fields"`
		CreatedAt int64      `json:"createdAt"`
	}
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}

	f.ID = k.ID
	f.Name = k.Name
	f.GVK = k.GVK
	f.Fields = k.Fields
	f.CreatedAt = time.Unix(k.CreatedAt, 0).UTC()

	delete(m, "id")
	delete(m, "name")
	delete(m, "gvk")
	delete(m, "fields")
	delete(m, "createdAt")
	if len(m) > 0 {
		f.extra = m
	}
	return nil
}

package analytics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// OrderStatus is the declared lifecycle of a work order on the remote side.
type OrderStatus string

const (
	StatusNew            OrderStatus = "new"
	StatusAssigned       OrderStatus = "assigned"
	StatusDataCollection OrderStatus = "data_collection"
	StatusReadyForCalc   OrderStatus = "ready_for_calc"
	StatusCalculating    OrderStatus = "calculating"
	StatusSegmented      OrderStatus = "segmented"
	StatusRoutesPlanned  OrderStatus = "routes_planned"
	StatusCompleted      OrderStatus = "completed"
)

// InputID references one analysis input on the remote side. The API sends it
// either as a string or as a number.
type InputID string

func (id *InputID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = InputID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("input id: %w", err)
	}
	*id = InputID(n.String())
	return nil
}

// WorkOrder is one entry of the operator's order list.
type WorkOrder struct {
	ID            int64       `json:"id"`
	FieldName     string      `json:"fieldName"`
	FieldID       int64       `json:"fieldId,omitempty"`
	Status        OrderStatus `json:"status"`
	LatestInputID InputID     `json:"latestInputId,omitempty"`
}

// Drone is a roster entry. Only the id, name and quantity are interpreted;
// performance fields are carried through untouched in Extra.
type Drone struct {
	ID       int64          `json:"droneId"`
	Name     string         `json:"droneName"`
	Quantity int            `json:"quantity"`
	Extra    map[string]any `json:"-"`
}

func (d *Drone) UnmarshalJSON(b []byte) error {
	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	type plain Drone
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*d = Drone(p)
	delete(all, "droneId")
	delete(all, "droneName")
	delete(all, "quantity")
	if len(all) > 0 {
		d.Extra = all
	}
	return nil
}

func (d Drone) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+3)
	for k, v := range d.Extra {
		out[k] = v
	}
	out["droneId"] = d.ID
	out["droneName"] = d.Name
	out["quantity"] = d.Quantity
	return json.Marshal(out)
}

// Field is a registered agricultural field.
type Field struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	AreaHa float64 `json:"areaHa,omitempty"`
	Active bool    `json:"active"`
}

// FieldRequest creates a field from a geometry document.
type FieldRequest struct {
	Name     string          `json:"name"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
}

// Row is one record of an analysis table. Rows are opaque apart from join keys.
type Row map[string]any

// ClusterID extracts the cluster_id join key from a row.
func ClusterID(row Row) (int64, bool) {
	switch v := row["cluster_id"].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	case int:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

// Result holds analysis artifacts. Images only contains keys with a usable
// reference; a table that could not be decoded is present with a nil value.
type Result struct {
	Images map[string]string `json:"images"`
	Tables map[string][]Row  `json:"tables"`
}

// Clone returns a copy whose maps can be modified independently.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := &Result{Images: make(map[string]string, len(r.Images))}
	for k, v := range r.Images {
		out.Images[k] = v
	}
	if r.Tables != nil {
		out.Tables = make(map[string][]Row, len(r.Tables))
		for k, v := range r.Tables {
			out.Tables[k] = v
		}
	}
	return out
}

// Merge copies every image and table of other into r, overwriting keys that
// exist in both and keeping the rest.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	if r.Images == nil {
		r.Images = make(map[string]string, len(other.Images))
	}
	for k, v := range other.Images {
		r.Images[k] = v
	}
	if len(other.Tables) > 0 && r.Tables == nil {
		r.Tables = make(map[string][]Row, len(other.Tables))
	}
	for k, v := range other.Tables {
		r.Tables[k] = v
	}
}

// ClusterIDs returns the distinct cluster ids of table in row order.
func (r *Result) ClusterIDs(table string) []int64 {
	if r == nil {
		return nil
	}
	var ids []int64
	seen := make(map[int64]struct{})
	for _, row := range r.Tables[table] {
		id, ok := ClusterID(row)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// AnalyzeResponse is the decoded reply of an analyze call.
type AnalyzeResponse struct {
	InputID InputID
	Result  *Result
}

// FinalRequest is the body of the final call. DroneTasks maps cluster id to a
// 1-based position in DroneIDs; NumType maps the same positions to quantities.
type FinalRequest struct {
	InputID        InputID       `json:"inputId"`
	ProcessingMode string        `json:"processingMode"`
	DroneIDs       []int64       `json:"droneIds"`
	DroneTasks     map[int64]int `json:"droneTasks"`
	NumType        map[int]int   `json:"numType"`
}

// Merge result image keys.
const (
	ImageAreas           = "areasImage"
	ImageIndexWithBounds = "indexWithBoundsImage"
)

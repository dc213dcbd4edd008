package authorization

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ActionRequest is the JSON:API body of custom action, hook and bulk delete requests
type ActionRequest struct {
	Data ActionRequestData `json:"data"`
}

// ActionRequestData is the data member of an ActionRequest
type ActionRequestData struct {
	Type       string           `json:"type,omitempty"`
	Attributes ActionAttributes `json:"attributes"`
}

// ActionAttributes describe the targeted records and the submitted form values
type ActionAttributes struct {
	CollectionName        string         `json:"collection_name"`
	IDs                   IDList         `json:"ids"`
	AllRecords            bool           `json:"all_records"`
	AllRecordsIDsExcluded IDList         `json:"all_records_ids_excluded"`
	AllRecordsSubsetQuery map[string]any `json:"all_records_subset_query,omitempty"`
	Values                map[string]any `json:"values,omitempty"`
	SmartActionID         string         `json:"smart_action_id,omitempty"`
	RequesterID           *int64         `json:"requester_id,omitempty"`
	SignedApprovalRequest string         `json:"signed_approval_request,omitempty"`
}

// IDList is a list of JSON:API ids. Numbers are accepted and kept as strings.
type IDList []string

// UnmarshalJSON accepts strings and numbers
func (l *IDList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ids := make(IDList, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			ids = append(ids, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err != nil {
			return fmt.Errorf("invalid id %s", item)
		}
		ids = append(ids, n.String())
	}
	*l = ids
	return nil
}

// BulkRequest is the record selection of a bulk operation: either explicit ids,
// or every record matching the subset query minus ExcludedIDs.
type BulkRequest struct {
	IDs            []string
	AllRecords     bool
	ExcludedIDs    []string
	Filters        string
	Search         string
	SearchExtended bool
	Segment        string
	SegmentQuery   string
}

// Bulk extracts the record selection
func (a ActionAttributes) Bulk() BulkRequest {
	b := BulkRequest{
		IDs:         a.IDs,
		AllRecords:  a.AllRecords,
		ExcludedIDs: a.AllRecordsIDsExcluded,
	}
	if !a.AllRecords {
		return b
	}

	q := a.AllRecordsSubsetQuery
	b.Filters = filtersParam(q["filters"])
	b.Search, _ = q["search"].(string)
	b.Segment, _ = q["segment"].(string)
	b.SegmentQuery, _ = q["segmentQuery"].(string)
	switch v := q["searchExtended"].(type) {
	case bool:
		b.SearchExtended = v
	case string:
		b.SearchExtended, _ = strconv.ParseBool(v)
	}
	return b
}

// filtersParam returns the filters of a subset query as a JSON string. The UI sends
// them either already encoded or as an object.
func filtersParam(v any) string {
	switch f := v.(type) {
	case nil:
		return ""
	case string:
		return f
	default:
		b, err := json.Marshal(f)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

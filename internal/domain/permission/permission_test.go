package permission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const environmentPayload = `{
  "collections": {
    "books": {
      "collection": {
        "browseEnabled": {"roles": [1, 2]},
        "readEnabled": true,
        "addEnabled": {"roles": [1]},
        "editEnabled": false,
        "deleteEnabled": {"roles": []},
        "exportEnabled": {"roles": [2]}
      },
      "actions": {
        "Mark as live": {
          "triggerEnabled": {"roles": [1, 2]},
          "triggerConditions": [
            {"roleId": 2, "filter": {"field": "status", "operator": "equal", "value": "draft"}}
          ],
          "approvalRequired": {"roles": [2]},
          "approvalRequiredConditions": [],
          "userApprovalEnabled": {"roles": [1]},
          "userApprovalConditions": [],
          "selfApprovalEnabled": {"roles": []}
        }
      }
    }
  }
}`

func TestEnvironment_Decode(t *testing.T) {
	var env Environment
	require.NoError(t, json.Unmarshal([]byte(environmentPayload), &env))

	rights := env.Collection("books").Rights
	assert.True(t, rights.Browse.Allows(2))
	assert.False(t, rights.Browse.Allows(3))
	assert.True(t, rights.Read.Allows(42), "true grants every role")
	assert.False(t, rights.Edit.Allows(1))
	assert.False(t, rights.Delete.Allows(1))

	action, ok := env.Action("books", "Mark as live")
	require.True(t, ok)
	assert.True(t, action.Trigger.Allows(2))
	assert.Nil(t, action.TriggerConditions.For(1))
	require.NotNil(t, action.TriggerConditions.For(2))
	assert.Equal(t, "status", action.TriggerConditions.For(2).Field)
	assert.True(t, action.ApprovalRequired.Allows(2))

	_, ok = env.Action("books", "Unknown")
	assert.False(t, ok)
	assert.False(t, env.Collection("authors").Rights.Browse.Allows(1))
}

func TestEnvironment_DecodeRejectsInvalidCondition(t *testing.T) {
	payload := `{"collections":{"books":{"actions":{"a":{"triggerConditions":[{"roleId":1,"filter":{"aggregator":"xor","conditions":[]}}]}}}}}`
	var env Environment
	assert.Error(t, json.Unmarshal([]byte(payload), &env))
}

func TestRendering_AllowsSegmentQuery(t *testing.T) {
	r := &Rendering{Collections: map[string]RenderingCollection{
		"books": {Segments: []Segment{{ID: 1, Query: "SELECT id FROM books\n WHERE price > 10;"}}},
	}}

	assert.True(t, r.AllowsSegmentQuery("books", "SELECT id FROM books WHERE price > 10"))
	assert.False(t, r.AllowsSegmentQuery("books", "SELECT id FROM books"))
	assert.False(t, r.AllowsSegmentQuery("authors", "SELECT id FROM books WHERE price > 10"))

	var nilRendering *Rendering
	assert.False(t, nilRendering.AllowsSegmentQuery("books", "x"))
}

func TestRendering_AllowsChart(t *testing.T) {
	r := &Rendering{Stats: []map[string]any{{
		"type":                 "Value",
		"sourceCollectionName": "books",
		"aggregator":           "Count",
		"filter":               map[string]any{"field": "status", "operator": "equal", "value": "live"},
		"aggregateFieldName":   nil,
	}}}

	tests := []struct {
		name  string
		chart map[string]any
		want  bool
	}{
		{
			name: "same chart with a serialized filter and request keys",
			chart: map[string]any{
				"aggregator":           "Count",
				"type":                 "Value",
				"sourceCollectionName": "books",
				"filter":               `{"value":"live","field":"status","operator":"equal"}`,
				"timezone":             "Europe/Paris",
			},
			want: true,
		},
		{
			name: "other filter",
			chart: map[string]any{
				"aggregator":           "Count",
				"type":                 "Value",
				"sourceCollectionName": "books",
				"filter":               `{"value":"draft","field":"status","operator":"equal"}`,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.AllowsChart(tt.chart))
		})
	}
}

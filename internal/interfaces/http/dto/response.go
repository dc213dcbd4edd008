package dto

// ErrorObject is one JSON:API error
type ErrorObject struct {
	Status int            `json:"status"`
	Detail string         `json:"detail"`
	Name   string         `json:"name"`
	Data   map[string]any `json:"data,omitempty"`
}

// ErrorDocument is the body of every error response
type ErrorDocument struct {
	Errors []ErrorObject `json:"errors"`
}

// CountResponse is the body of count endpoints
type CountResponse struct {
	Count int64 `json:"count"`
}

// ValueStat is the body of a Value chart
type ValueStat struct {
	Data ValueStatData `json:"data"`
}

// ValueStatData holds the current and previous values of a Value chart
type ValueStatData struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Attributes ValueStatValues `json:"attributes"`
}

// ValueStatValues is the computed value
type ValueStatValues struct {
	Value ValueStatCount `json:"value"`
}

// ValueStatCount carries the count of the current period
type ValueStatCount struct {
	CountCurrent  int64  `json:"countCurrent"`
	CountPrevious *int64 `json:"countPrevious,omitempty"`
}

// ActionHookResponse is the body of action load and change hooks
type ActionHookResponse struct {
	Fields []ActionFormField `json:"fields"`
}

// ActionFormField is one field of an action form as the admin UI renders it
type ActionFormField struct {
	Field        string   `json:"field"`
	Type         any      `json:"type"`
	Reference    *string  `json:"reference"`
	Description  *string  `json:"description"`
	IsRequired   bool     `json:"isRequired"`
	IsReadOnly   bool     `json:"isReadOnly"`
	Enums        []string `json:"enums"`
	DefaultValue any      `json:"defaultValue"`
	Value        any      `json:"value"`
	Hook         *string  `json:"hook"`
	WidgetEdit   any      `json:"widgetEdit"`
}

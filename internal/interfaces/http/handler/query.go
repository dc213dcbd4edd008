package handler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liana/backend/internal/application/smartfield"
	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/shared"
	"github.com/liana/backend/internal/domain/storage"
)

// listParams is what the admin UI sends on list, count and relationship requests
type listParams struct {
	Filter         *filter.Node
	Search         string
	SearchExtended bool
	Segment        *schema.Segment
	SegmentQuery   string
	Sort           []storage.Sort
	Page           storage.Page
	Timezone       *time.Location
	Fields         smartfield.FieldsPerModel
}

// query returns the storage query of the params restricted by scope
func (p listParams) query(scope *filter.Node) storage.Query {
	q := storage.Query{
		Search:         p.Search,
		SearchExtended: p.SearchExtended,
		SegmentQuery:   p.SegmentQuery,
		Sort:           p.Sort,
		Page:           p.Page,
		Timezone:       p.Timezone,
	}
	var segmentFilter *filter.Node
	if p.Segment != nil {
		segmentFilter = p.Segment.Filter
		if q.SegmentQuery == "" {
			q.SegmentQuery = p.Segment.Query
		}
	}
	q.Filter = filter.And(p.Filter, segmentFilter, scope)
	return q
}

// parseListParams reads filters, search, searchExtended, segment, segmentQuery,
// sort, page[number], page[size], timezone and fields[<collection>]
func parseListParams(c *gin.Context, collection *schema.Collection) (listParams, error) {
	var (
		p   listParams
		err error
	)

	if p.Filter, err = filter.Parse(c.Query("filters")); err != nil {
		return p, err
	}

	p.Search = strings.TrimSpace(c.Query("search"))
	if raw := c.Query("searchExtended"); raw != "" {
		p.SearchExtended, _ = strconv.ParseBool(raw)
	}

	if name := c.Query("segment"); name != "" {
		segment, ok := collection.SegmentByName(name)
		if !ok {
			return p, shared.NewBadRequestError(fmt.Sprintf("Segment %q does not exist on %s", name, collection.Name))
		}
		p.Segment = segment
	}
	p.SegmentQuery = c.Query("segmentQuery")

	for _, raw := range strings.Split(c.Query("sort"), ",") {
		if s, ok := storage.ParseSort(strings.TrimSpace(raw)); ok {
			p.Sort = append(p.Sort, s)
		}
	}

	if p.Page.Number, err = positiveInt(c.Query("page[number]"), "page[number]"); err != nil {
		return p, err
	}
	if p.Page.Size, err = positiveInt(c.Query("page[size]"), "page[size]"); err != nil {
		return p, err
	}

	if p.Timezone, err = parseTimezone(c.Query("timezone")); err != nil {
		return p, err
	}

	p.Fields = parseFields(c)
	return p, nil
}

func positiveInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, shared.NewBadRequestError(fmt.Sprintf("Invalid %s %q", name, raw))
	}
	return n, nil
}

func parseTimezone(raw string) (*time.Location, error) {
	if raw == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(raw)
	if err != nil {
		return nil, shared.NewBadRequestError(fmt.Sprintf("Invalid timezone %q", raw)).WithCause(err)
	}
	return loc, nil
}

// parseFields reads the fields[<key>]=a,b parameters. Without any, every field is wanted.
func parseFields(c *gin.Context) smartfield.FieldsPerModel {
	raw := c.QueryMap("fields")
	if len(raw) == 0 {
		return nil
	}
	fields := make(smartfield.FieldsPerModel, len(raw))
	for key, list := range raw {
		names := make([]string, 0)
		for _, name := range strings.Split(list, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		fields[key] = names
	}
	return fields
}

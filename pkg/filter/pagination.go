package filter

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is used when pageSize is not specified.
	DefaultPageSize = 100
	// MaxPageSize is the upper bound for pageSize.
	MaxPageSize = 1000
)

// Pagination holds parsed pagination and ordering parameters from a list
// request query string.
type Pagination struct {
	PageSize  int
	PageToken string
	OrderBy   string
	SortOrder string
}

// ParsePagination extracts pageSize, pageToken, orderBy and sortOrder from
// the request. pageSize is clamped to [1, MaxPageSize]; sortOrder is
// normalized to ASC or DESC.
func ParsePagination(r *http.Request) Pagination {
	q := r.URL.Query()

	pageSize := DefaultPageSize
	if v := q.Get("pageSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	sortOrder := "ASC"
	if strings.EqualFold(q.Get("sortOrder"), "DESC") {
		sortOrder = "DESC"
	}

	return Pagination{
		PageSize:  pageSize,
		PageToken: q.Get("pageToken"),
		OrderBy:   q.Get("orderBy"),
		SortOrder: sortOrder,
	}
}

// OrderClause resolves orderBy against an allowlist of sortable columns and
// returns a safe ORDER BY expression. Unknown fields fall back to the
// default column.
func (p Pagination) OrderClause(sortable map[string]string, defaultColumn string) string {
	col := defaultColumn
	if c, ok := sortable[p.OrderBy]; ok {
		col = c
	}
	return col + " " + p.SortOrder
}

// EncodeCursor converts a row id into an opaque page token.
func EncodeCursor(id int64) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10)))
}

// DecodeCursor converts a page token back into a row id. An empty token
// decodes to zero.
func DecodeCursor(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("invalid page token")
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid page token")
	}
	return id, nil
}

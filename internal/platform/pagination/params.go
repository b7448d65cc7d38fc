package pagination

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is used when the client omits pageSize.
	DefaultPageSize = 50
	// MaxPageSize caps pageSize to prevent unbounded queries.
	MaxPageSize = 100
)

// Params holds the paging inputs parsed from a request.
type Params struct {
	PageSize  int
	PageToken string
}

// ParseRequest reads pageSize and pageToken from the query string.
func ParseRequest(r *http.Request) (Params, error) {
	query := r.URL.Query()
	params := Params{PageSize: DefaultPageSize, PageToken: strings.TrimSpace(query.Get("pageToken"))}

	if raw := strings.TrimSpace(query.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return Params{}, fmt.Errorf("pagination: pageSize must be a positive integer")
		}
		params.PageSize = min(size, MaxPageSize)
	}
	if params.PageToken != "" {
		if _, err := DecodeToken(params.PageToken); err != nil {
			return Params{}, err
		}
	}
	return params, nil
}

// Clamp normalises a page size supplied by internal callers.
func Clamp(size int) int {
	if size <= 0 {
		return DefaultPageSize
	}
	return min(size, MaxPageSize)
}

package common

import (
	"net/http"
	"strconv"
)

// Pagination is the metadata block attached to list responses.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalItems int `json:"total_items"`
}

// ParsePagination reads page and limit query parameters. Non-positive or
// malformed values fall back to page 1 and the caller's default.
func ParsePagination(r *http.Request, defaultPerPage int) (page, perPage int) {
	page, perPage = 1, defaultPerPage
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		perPage = l
	}
	return
}

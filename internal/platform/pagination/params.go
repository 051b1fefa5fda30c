package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits size.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps the supported size to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

// Params bundles the offset/size window and sort clause extracted from a request.
type Params struct {
	Offset    int
	Size      int
	SortField string
	Desc      bool
}

// Page is a window of results together with the total match count.
type Page[T any] struct {
	Items  []T
	Total  int64
	Offset int
	Size   int
}

// Options control how Parse behaves for a given handler layer.
type Options struct {
	DefaultPageSize  int
	MaxPageSize      int
	DefaultSortField string
	AllowedSorts     []string
}

var (
	ErrInvalidOffset  = errors.New("pagination: invalid offset")
	ErrInvalidSize    = errors.New("pagination: invalid size")
	ErrInvalidSortBy  = errors.New("pagination: invalid sortBy")
	ErrInvalidSortDir = errors.New("pagination: invalid sortDir")
)

// FromRequest parses the supported query parameters from the supplied request.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse consumes the provided query values and returns the normalised Params representation.
func Parse(values url.Values, opts Options) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	offset, err := parseOffset(values.Get("offset"))
	if err != nil {
		return Params{}, err
	}

	size, err := parseSize(values.Get("size"), opts)
	if err != nil {
		return Params{}, err
	}

	sortField, err := parseSortBy(values.Get("sortBy"), opts)
	if err != nil {
		return Params{}, err
	}

	desc, err := parseSortDir(values.Get("sortDir"))
	if err != nil {
		return Params{}, err
	}

	return Params{Offset: offset, Size: size, SortField: sortField, Desc: desc}, nil
}

func parseOffset(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidOffset)
	}
	if value < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidOffset)
	}
	return value, nil
}

func parseSize(raw string, opts Options) (int, error) {
	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}

	defaultSize := opts.DefaultPageSize
	if defaultSize <= 0 {
		defaultSize = DefaultPageSize
	}
	if defaultSize > maxSize {
		defaultSize = maxSize
	}

	if strings.TrimSpace(raw) == "" {
		return defaultSize, nil
	}

	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidSize)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidSize)
	}
	if value > maxSize {
		value = maxSize
	}
	return value, nil
}

func parseSortBy(raw string, opts Options) (string, error) {
	field := strings.TrimSpace(raw)
	if field == "" {
		return opts.DefaultSortField, nil
	}
	if len(opts.AllowedSorts) == 0 {
		return "", fmt.Errorf("%w: sorting not supported", ErrInvalidSortBy)
	}
	for _, allowed := range opts.AllowedSorts {
		if field == allowed {
			return field, nil
		}
	}
	return "", fmt.Errorf("%w: field %q is not allowed", ErrInvalidSortBy, field)
}

func parseSortDir(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "desc":
		return true, nil
	case "asc":
		return false, nil
	default:
		return false, fmt.Errorf("%w: must be asc or desc", ErrInvalidSortDir)
	}
}

// Must ensures the window is always initialised with sensible values before use.
func Must(params Params) Params {
	if params.Size <= 0 {
		params.Size = DefaultPageSize
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	return params
}

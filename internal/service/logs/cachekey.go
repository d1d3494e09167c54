package logs

import (
	"net/url"
	"strconv"
	"time"

	"github.com/splax/logprocessor/internal/domain"
)

const (
	searchKeyPrefix = "search:"
	traceKeyPrefix  = "trace:"
)

// searchKey derives a canonical key from an already normalised filter.
// url.Values.Encode sorts by key, so equal filters produce equal keys.
func searchKey(filter domain.LogFilter) string {
	v := url.Values{}
	if !filter.Start.IsZero() {
		v.Set("start", filter.Start.UTC().Format(time.RFC3339Nano))
	}
	if !filter.End.IsZero() {
		v.Set("end", filter.End.UTC().Format(time.RFC3339Nano))
	}
	if filter.Level != "" {
		v.Set("level", string(filter.Level))
	}
	if filter.Service != "" {
		v.Set("service", filter.Service)
	}
	v.Set("limit", strconv.Itoa(filter.Limit))
	return searchKeyPrefix + v.Encode()
}

func traceKey(traceID string) string {
	return traceKeyPrefix + traceID
}

package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/safeschool/edge/internal/records"
)

const defaultPartnerTimeout = 3 * time.Second

// HTTPPartnerProbe checks the partner agent's local /health endpoint.
type HTTPPartnerProbe struct {
	url    string
	client *http.Client
}

// NewHTTPPartnerProbe probes baseURL + "/health" with the given timeout.
func NewHTTPPartnerProbe(baseURL string, timeout time.Duration) *HTTPPartnerProbe {
	if timeout <= 0 {
		timeout = defaultPartnerTimeout
	}
	return &HTTPPartnerProbe{
		url:    strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/health",
		client: &http.Client{Timeout: timeout},
	}
}

// Check implements PartnerChecker. Any non-2xx answer counts as down.
func (p *HTTPPartnerProbe) Check(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	response, err := p.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("partner health returned %d", response.StatusCode)
	}
	return nil
}

// RecordLister pages through stored records of one type in write order.
type RecordLister interface {
	ChangesAfter(ctx context.Context, entityType, siteID string, after int64, limit int) (records.Page, error)
}

// ActiveLockdown reports whether the local store holds a lockdown that is
// still in force. It feeds the incident flag of failover reports.
func ActiveLockdown(store RecordLister) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		var after int64
		for {
			page, err := store.ChangesAfter(ctx, "lockdown", "", after, 0)
			if err != nil {
				return false
			}
			for _, record := range page.Records {
				if deleted, _ := record["deleted"].(bool); deleted {
					continue
				}
				if strings.EqualFold(record.String("status"), "ACTIVE") {
					return true
				}
			}
			if !page.More || page.Cursor <= after {
				return false
			}
			after = page.Cursor
		}
	}
}

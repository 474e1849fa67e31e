// Package crm is the HTTP client for the external CRM that holds the
// authoritative organization records. Responses are mapped onto local
// organizations by the mapper; transport and status errors carry a
// classification code so batch loops can route them.
package crm

import "time"

// Record is one organization record as the CRM represents it
type Record struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Name        string     `json:"name"`
	Website     string     `json:"website,omitempty"`
	Description string     `json:"description,omitempty"`
	Stage       string     `json:"stage,omitempty"`
	Email       string     `json:"email,omitempty"`
	ModifiedAt  *time.Time `json:"modified_at,omitempty"`
}

// Page is one page of CRM records
type Page struct {
	Records       []Record `json:"records"`
	NextPageToken string   `json:"next_page_token"`
	TotalCount    int      `json:"total_count"`
}

package server

import (
	"encoding/json"

	"allylab/internal/domain"
	"allylab/internal/scanner"
	"allylab/pkg/scanstream"
)

// Request payloads

type CookieRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type AuthRequest struct {
	Headers map[string]string `json:"headers,omitempty"`
	Cookies []CookieRequest   `json:"cookies,omitempty"`
}

// ScanRequest leaves every field optional; the scanner reports missing or invalid values
// with its own messages.
type ScanRequest struct {
	URL             string       `json:"url,omitempty" example:"https://example.com"`
	Standard        string       `json:"standard,omitempty" example:"wcag21aa" doc:"wcag2a, wcag2aa, wcag21a, wcag21aa or wcag22aa"`
	Viewport        string       `json:"viewport,omitempty" example:"desktop" doc:"desktop, tablet or mobile"`
	IncludeWarnings bool         `json:"includeWarnings,omitempty"`
	Auth            *AuthRequest `json:"auth,omitempty"`
}

type CrawlRequest struct {
	ScanRequest
	MaxPages int `json:"maxPages,omitempty" doc:"defaults to 10, capped at 50"`
	MaxDepth int `json:"maxDepth,omitempty" doc:"defaults to 2, capped at 5"`
}

func (r ScanRequest) toScanner() scanner.Request {
	req := scanner.Request{
		URL:             r.URL,
		Standard:        r.Standard,
		Viewport:        r.Viewport,
		IncludeWarnings: r.IncludeWarnings,
	}
	if r.Auth != nil {
		auth := &scanner.Auth{Headers: r.Auth.Headers}
		for _, c := range r.Auth.Cookies {
			auth.Cookies = append(auth.Cookies, scanner.Cookie{Name: c.Name, Value: c.Value})
		}
		req.Auth = auth
	}
	return req
}

func (r CrawlRequest) toScanner() scanner.CrawlRequest {
	return scanner.CrawlRequest{Request: r.ScanRequest.toScanner(), MaxPages: r.MaxPages, MaxDepth: r.MaxDepth}
}

// Response payloads

type ScanResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind" enum:"page,site"`
	URL         string `json:"url"`
	Standard    string `json:"standard"`
	Viewport    string `json:"viewport"`
	Status      string `json:"status" enum:"running,completed,failed"`
	Score       *int   `json:"score,omitempty"`
	TotalIssues *int   `json:"totalIssues,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"createdAt" format:"date-time"`
	FinishedAt  string `json:"finishedAt,omitempty"`
}

type ScanDetailResponse struct {
	ScanResponse
	Result map[string]any `json:"result,omitempty"`
}

type paginatedScans struct {
	Items      []ScanResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	Seq  int64          `json:"seq"`
	Type string         `json:"type" enum:"status,progress,finding,page,complete,error"`
	Data map[string]any `json:"data"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func scanResponse(s domain.Scan) ScanResponse {
	return ScanResponse{
		ID:          s.ID,
		Kind:        s.Kind,
		URL:         s.URL,
		Standard:    s.Standard,
		Viewport:    s.Viewport,
		Status:      s.Status,
		Score:       s.Score,
		TotalIssues: s.TotalIssues,
		Error:       s.Error,
		CreatedAt:   s.CreatedAt,
		FinishedAt:  stringOrEmpty(s.FinishedAt),
	}
}

func scanDetailResponse(s domain.Scan) ScanDetailResponse {
	return ScanDetailResponse{ScanResponse: scanResponse(s), Result: decodeJSONMap(s.ResultJSON)}
}

func eventResponse(m scanstream.Message) EventResponse {
	raw := string(m.Data)
	data := decodeJSONMap(&raw)
	if data == nil {
		data = map[string]any{}
	}
	return EventResponse{Seq: m.Seq, Type: string(m.Type), Data: data}
}

func mapScans(items []domain.Scan) []ScanResponse {
	out := make([]ScanResponse, 0, len(items))
	for _, s := range items {
		out = append(out, scanResponse(s))
	}
	return out
}

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil
	}
	return out
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Webhook event types accepted by the intake endpoint.
const (
	EventRSSItem  = "RSS_ITEM"
	EventEmail    = "EMAIL_NOTIFICATION"
	EventHTTPPost = "HTTP_POST"
)

var ErrUnknownEventType = errors.New("ingest: unknown event type")

// urlRe matches URLs embedded in free-form email bodies.
var urlRe = regexp.MustCompile(`https?://[^\s<>"]+`)

// ExtractURLs pulls the document URLs out of a webhook payload according
// to its event type. Order is preserved, duplicates removed.
func ExtractURLs(eventType string, payload []byte) ([]string, error) {
	switch eventType {
	case EventRSSItem:
		return rssURLs(payload)
	case EventEmail:
		return emailURLs(payload)
	case EventHTTPPost:
		return postURLs(payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
}

func rssURLs(payload []byte) ([]string, error) {
	var body struct {
		Link  string `json:"link"`
		Items []struct {
			Link string `json:"link"`
		} `json:"items"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("ingest: parse RSS payload: %w", err)
	}
	var urls []string
	for _, item := range body.Items {
		if item.Link != "" {
			urls = append(urls, item.Link)
		}
	}
	if len(urls) == 0 && body.Link != "" {
		urls = append(urls, body.Link)
	}
	return dedupe(urls), nil
}

func emailURLs(payload []byte) ([]string, error) {
	var body struct {
		Body    string `json:"body"`
		Subject string `json:"subject"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		// Non-JSON email bodies are scanned as-is.
		return dedupe(urlRe.FindAllString(string(payload), -1)), nil
	}
	text := body.Subject + "\n" + body.Body
	urls := urlRe.FindAllString(text, -1)
	for i, u := range urls {
		urls[i] = strings.TrimRight(u, ".,;)")
	}
	return dedupe(urls), nil
}

func postURLs(payload []byte) ([]string, error) {
	var body struct {
		URL  string   `json:"url"`
		URLs []string `json:"urls"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("ingest: parse HTTP_POST payload: %w", err)
	}
	urls := body.URLs
	if len(urls) == 0 && body.URL != "" {
		urls = []string{body.URL}
	}
	return dedupe(urls), nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := urls[:0]
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

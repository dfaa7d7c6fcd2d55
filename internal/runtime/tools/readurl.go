package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const (
	maxReadURLChars = 50000
	maxReadURLBytes = 8 << 20
)

// ReadURL fetches a page and returns it as markdown.
type ReadURL struct {
	client *http.Client
}

func NewReadURL() *ReadURL {
	return &ReadURL{client: newWebClient(30 * time.Second)}
}

func (r *ReadURL) Name() string        { return "read_url" }
func (r *ReadURL) Description() string { return "Fetch a URL and return its content as markdown" }
func (r *ReadURL) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The http or https URL to fetch"},
			"max_chars": {"type": "integer", "description": "Cut the content after this many characters (default and max: 50000)"}
		},
		"required": ["url"]
	}`)
}

// textual reports whether a Content-Type can be returned as text. An
// absent type is sniffed as HTML by the converter.
func textual(contentType string) (isHTML, ok bool) {
	ct := strings.ToLower(contentType)
	switch {
	case ct == "" || strings.Contains(ct, "html"):
		return true, true
	case strings.HasPrefix(ct, "text/"), strings.Contains(ct, "json"), strings.Contains(ct, "xml"):
		return false, true
	}
	return false, false
}

func (r *ReadURL) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		URL      string `json:"url"`
		MaxChars int    `json:"max_chars"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.URL == "" {
		return "", errors.New("url is required")
	}
	if u, err := url.Parse(params.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("unsupported url %q", params.URL)
	}
	limit := maxReadURLChars
	if params.MaxChars > 0 && params.MaxChars < limit {
		limit = params.MaxChars
	}

	p, err := fetch(ctx, r.client, params.URL, nil, maxReadURLBytes)
	if err != nil {
		return "", fmt.Errorf("fetch url: %w", err)
	}
	isHTML, ok := textual(p.contentType)
	if !ok {
		return "", fmt.Errorf("fetch url: cannot read %s content", p.contentType)
	}

	content := string(p.body)
	if isHTML {
		if content, err = htmltomarkdown.ConvertString(content); err != nil {
			return "", fmt.Errorf("convert to markdown: %w", err)
		}
	}
	if truncated := truncateRunes(content, limit); truncated != content {
		content = truncated + "\n\n[content truncated]"
	}
	return content, nil
}

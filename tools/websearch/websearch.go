// Package websearch selects between web search providers behind a single
// interface.
package websearch

import (
	"context"

	"github.com/atelier-ai/atelier/tools/websearch/models"
	"github.com/atelier-ai/atelier/tools/websearch/serpapi"
	"github.com/atelier-ai/atelier/tools/websearch/serper"
)

type WebSearcher interface {
	Discover(ctx context.Context, q string, k int) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider  Provider = "serper"
	SerpApiProvider Provider = "serpapi"
)

type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

var ErrUnsupportedProvider = &Error{"unsupported provider"}

func NewWebSearcher(provider Provider, apiKey string) (WebSearcher, error) {
	switch provider {
	case SerperProvider:
		return serper.Search{ApiKey: apiKey}, nil
	case SerpApiProvider:
		return serpapi.Search{ApiKey: apiKey}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}

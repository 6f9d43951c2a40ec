package fhir

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// PageFetcher fetches one page of a paged result by URL.
type PageFetcher interface {
	FetchPage(ctx context.Context, pageURL string) (*Bundle, error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, pageURL string) (*Bundle, error)

// FetchPage implements PageFetcher.
func (f PageFetcherFunc) FetchPage(ctx context.Context, pageURL string) (*Bundle, error) {
	return f(ctx, pageURL)
}

// EntryDecoder turns a bundle entry into an item. Returning false skips the
// entry.
type EntryDecoder[T any] func(entry *BundleEntry) (T, bool, error)

// PageStream yields the items of a paged result, fetching the next page only
// when the current one is exhausted. It is not safe for concurrent use.
type PageStream[T any] struct {
	ctx     context.Context //nolint:containedctx // the stream fetches lazily
	fetcher PageFetcher
	decode  EntryDecoder[T]

	pending []BundleEntry
	nextURL string
	pages   int
	err     error
}

// NewPageStream starts a stream whose first page is fetched from firstURL on
// the first call to Next.
func NewPageStream[T any](ctx context.Context, fetcher PageFetcher, firstURL string, decode EntryDecoder[T]) *PageStream[T] {
	return &PageStream[T]{
		ctx:     ctx,
		fetcher: fetcher,
		decode:  decode,
		nextURL: firstURL,
	}
}

// NewPageStreamFromBundle starts a stream from an already fetched first page.
func NewPageStreamFromBundle[T any](ctx context.Context, fetcher PageFetcher, first *Bundle, decode EntryDecoder[T]) *PageStream[T] {
	stream := &PageStream[T]{
		ctx:     ctx,
		fetcher: fetcher,
		decode:  decode,
	}

	if first != nil {
		stream.pages = 1
		stream.pending = first.Entry
		stream.nextURL, _ = first.NextPageURL()
	}

	return stream
}

// Next returns the next item. After the last item it returns ErrNoMoreItems;
// after a failed fetch it returns that error. Both are final: every later
// call returns the same error.
func (s *PageStream[T]) Next() (T, error) {
	var zero T

	for {
		if s.err != nil {
			return zero, s.err
		}

		if len(s.pending) > 0 {
			entry := &s.pending[0]
			s.pending = s.pending[1:]

			item, ok, err := s.decode(entry)
			if err != nil {
				s.err = fmt.Errorf("decoding entry of page %d: %w", s.pages, err)

				return zero, s.err
			}

			if !ok {
				continue
			}

			return item, nil
		}

		if s.nextURL == "" {
			s.err = ErrNoMoreItems

			return zero, s.err
		}

		err := s.fetch()
		if err != nil {
			s.err = err

			return zero, s.err
		}
	}
}

func (s *PageStream[T]) fetch() error {
	bundle, err := s.fetcher.FetchPage(s.ctx, s.nextURL)
	if err != nil {
		return fmt.Errorf("fetching page %d: %w", s.pages+1, err)
	}

	s.pages++
	s.pending = bundle.Entry
	s.nextURL, _ = bundle.NextPageURL()

	return nil
}

// All collects every remaining item.
func (s *PageStream[T]) All() ([]T, error) {
	var items []T

	for {
		item, err := s.Next()
		if errors.Is(err, ErrNoMoreItems) {
			return items, nil
		}

		if err != nil {
			return items, err
		}

		items = append(items, item)
	}
}

// Take collects at most limit remaining items.
func (s *PageStream[T]) Take(limit int) ([]T, error) {
	items := make([]T, 0, limit)

	for len(items) < limit {
		item, err := s.Next()
		if errors.Is(err, ErrNoMoreItems) {
			break
		}

		if err != nil {
			return items, err
		}

		items = append(items, item)
	}

	return items, nil
}

// Items returns an iterator over the remaining items. A failure is yielded
// once as a non-nil error and ends the iteration.
func (s *PageStream[T]) Items() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, err := s.Next()
			if errors.Is(err, ErrNoMoreItems) {
				return
			}

			if err != nil {
				yield(item, err)

				return
			}

			if !yield(item, nil) {
				return
			}
		}
	}
}

// Pages returns the number of pages fetched so far.
func (s *PageStream[T]) Pages() int {
	return s.pages
}

// MapStream returns a stream over the same pages whose items are converted
// with convert.
func MapStream[T, U any](stream *PageStream[T], convert func(T) (U, error)) *PageStream[U] {
	return &PageStream[U]{
		ctx:     stream.ctx,
		fetcher: stream.fetcher,
		decode: func(entry *BundleEntry) (U, bool, error) {
			var zero U

			item, ok, err := stream.decode(entry)
			if err != nil || !ok {
				return zero, ok, err
			}

			converted, err := convert(item)
			if err != nil {
				return zero, false, err
			}

			return converted, true, nil
		},
		pending: stream.pending,
		nextURL: stream.nextURL,
		pages:   stream.pages,
		err:     stream.err,
	}
}

// SearchTyped searches resourceType and decodes every match into T.
func SearchTyped[T any](ctx context.Context, client SearchClient, resourceType string, params *SearchParameters) *PageStream[T] {
	return MapStream(client.Search(ctx, resourceType, params), Convert[T])
}

package persistence

import "context"

// PageFunc loads one page of a listing. Pages start at 1.
type PageFunc[T any] func(ctx context.Context, page, perPage int) ([]T, error)

// ProcessPaginated walks every page until a short page is returned, calling fn per item.
// A non-nil error from fn stops the walk.
func ProcessPaginated[T any](ctx context.Context, perPage int, load PageFunc[T], fn func(ctx context.Context, item T) error) error {
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		items, err := load(ctx, page, perPage)
		if err != nil {
			return err
		}

		for _, item := range items {
			if err := fn(ctx, item); err != nil {
				return err
			}
		}

		if len(items) < perPage {
			return nil
		}
	}
}

// Offset converts a 1-based page into a row offset.
func Offset(page, perPage int) int {
	if page < 1 {
		page = 1
	}

	return (page - 1) * perPage
}

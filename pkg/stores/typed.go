package stores

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetAs retrieves a document and decodes it into T.
func GetAs[T any](ctx context.Context, s Store, table, id string) (*T, error) {
	doc, err := s.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}

	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", table, id, err)
	}

	return &v, nil
}

// SearchAs runs a predicate search and decodes each match into T.
func SearchAs[T any](ctx context.Context, s Store, table string, pred Predicate) ([]*T, error) {
	docs, err := s.Search(ctx, table, pred)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](table, docs)
}

// AllAs decodes every document in table into T.
func AllAs[T any](ctx context.Context, s Store, table string) ([]*T, error) {
	docs, err := s.All(ctx, table)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](table, docs)
}

// FirstAs returns the first match of pred, or ErrNotFound.
func FirstAs[T any](ctx context.Context, s Store, table string, pred Predicate) (*T, error) {
	items, err := SearchAs[T](ctx, s, table, pred)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s not found: %w", table, ErrNotFound)
	}
	return items[0], nil
}

func decodeAll[T any](table string, docs []Document) ([]*T, error) {
	items := make([]*T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", table, err)
		}
		items = append(items, &v)
	}
	return items, nil
}

package firestore

import (
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Decoder hydrates a typed value from a snapshot.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// Collect drains the iterator and decodes every document. The iterator is always stopped.
func Collect[T any](op string, iter *firestore.DocumentIterator, decode Decoder[T]) ([]T, error) {
	defer iter.Stop()

	var out []T
	for {
		snap, err := iter.Next()
		if isIteratorDone(err) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(op, err)
		}
		value, err := decode(snap)
		if err != nil {
			return nil, fmt.Errorf("%s: decode %s: %w", op, snap.Ref.ID, err)
		}
		out = append(out, value)
	}
}

func isIteratorDone(err error) bool {
	return errors.Is(err, iterator.Done)
}

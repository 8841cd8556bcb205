package gcalnotify

import (
	"iter"
	"slices"
)

func IterMap[E, F any](seq iter.Seq[E], fn func(E) F) iter.Seq[F] {
	return func(yield func(F) bool) {
		for v := range seq {
			if !yield(fn(v)) {
				return
			}
		}
	}
}

func IterFilter[E any](seq iter.Seq[E], pred func(E) bool) iter.Seq[E] {
	return func(yield func(E) bool) {
		for v := range seq {
			if pred(v) && !yield(v) {
				return
			}
		}
	}
}

func Map[E, F any](s []E, fn func(E) F) []F {
	return slices.Collect(IterMap(slices.Values(s), fn))
}

func Filter[E any](s []E, pred func(E) bool) []E {
	return slices.Collect(IterFilter(slices.Values(s), pred))
}

package opqueue

import (
	"github.com/google/btree"
)

const strictTreeDegree = 8

type strictEntry[K comparable, T any] struct {
	key  K
	item T
}

// strictBucket holds the requests of one strict priority in arrival order.
type strictBucket[K comparable, T any] struct {
	prio uint32
	reqs fifoQueue[strictEntry[K, T]]
}

func (b *strictBucket[K, T]) Less(than btree.Item) bool {
	return b.prio < than.(*strictBucket[K, T]).prio
}

// strictQueue serves the highest priority first and FIFO within a
// priority. Empty buckets are dropped from the tree.
type strictQueue[K comparable, T any] struct {
	buckets *btree.BTree
	size    int
}

func newStrictQueue[K comparable, T any]() *strictQueue[K, T] {
	return &strictQueue[K, T]{buckets: btree.New(strictTreeDegree)}
}

func (q *strictQueue[K, T]) Len() int { return q.size }

func (q *strictQueue[K, T]) bucket(prio uint32) *strictBucket[K, T] {
	probe := &strictBucket[K, T]{prio: prio}
	if it := q.buckets.Get(probe); it != nil {
		return it.(*strictBucket[K, T])
	}
	q.buckets.ReplaceOrInsert(probe)
	return probe
}

func (q *strictQueue[K, T]) enqueue(key K, prio uint32, item T, front bool) {
	b := q.bucket(prio)
	e := strictEntry[K, T]{key: key, item: item}
	if front {
		b.reqs.PushFront(e)
	} else {
		b.reqs.PushBack(e)
	}
	q.size++
}

func (q *strictQueue[K, T]) dequeue() (K, T, bool) {
	it := q.buckets.Max()
	if it == nil {
		var (
			k K
			v T
		)
		return k, v, false
	}
	b := it.(*strictBucket[K, T])
	e, _ := b.reqs.PopFront()
	if b.reqs.Len() == 0 {
		q.buckets.Delete(b)
	}
	q.size--
	return e.key, e.item, true
}

// removeByFilter visits priorities from highest to lowest, FIFO within a
// priority.
func (q *strictQueue[K, T]) removeByFilter(filter func(T) bool) []T {
	var (
		out   []T
		empty []*strictBucket[K, T]
	)
	q.buckets.Descend(func(it btree.Item) bool {
		b := it.(*strictBucket[K, T])
		q.size -= b.reqs.Filter(func(e strictEntry[K, T]) bool {
			if filter(e.item) {
				out = append(out, e.item)
				return true
			}
			return false
		})
		if b.reqs.Len() == 0 {
			empty = append(empty, b)
		}
		return true
	})
	for _, b := range empty {
		q.buckets.Delete(b)
	}
	return out
}

func (q *strictQueue[K, T]) dump(f Formatter, dumpKey func(K, Formatter), dumpItem func(T, Formatter)) {
	f.OpenObject("strict")
	f.DumpInt("size", int64(q.size))
	f.OpenArray("buckets")
	q.buckets.Descend(func(it btree.Item) bool {
		b := it.(*strictBucket[K, T])
		f.OpenObject("bucket")
		f.DumpUint("priority", uint64(b.prio))
		f.DumpInt("size", int64(b.reqs.Len()))
		f.OpenArray("requests")
		b.reqs.Each(func(e *strictEntry[K, T]) {
			f.OpenObject("request")
			dumpKey(e.key, f)
			dumpItem(e.item, f)
			f.CloseSection()
		})
		f.CloseSection()
		f.CloseSection()
		return true
	})
	f.CloseSection()
	f.CloseSection()
}

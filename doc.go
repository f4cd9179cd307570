// Package weekcount keeps a single durable, monotonically increasing
// counter: the week count.
//
// # Key Concepts
//
//   - [Counter] owns the count. [Counter.Increment] always adds one;
//     [Counter.IncrementOnce] adds one at most once per identity per UTC
//     calendar day.
//   - [store.Store] is the storage backend. An in-memory store is used by
//     default; bbolt, SQLite, Redis and tiered stores persist across restarts.
//   - [DateFromWeeks] turns a count into a date, one week per increment
//     from [Epoch].
//
// # Quick Start
//
//	c := weekcount.New(weekcount.WithStore(s))
//	defer c.Close()
//
//	counted, err := c.IncrementOnce(ctx, "203.0.113.7")
//	n, err := c.Count(ctx)
//	fmt.Println(weekcount.DateFromWeeks(n))
//
// See the [Counter] documentation for the full API.
package weekcount

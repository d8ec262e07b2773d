// Package opqueue schedules storage-daemon operations so that each
// (pool, op class) pair gets the service its QoS parameters promise.
//
// Scheduling model
//
// Every request is accounted against a key made of the pool it targets and
// the class its type maps to (client_op, osd_rep_op, bg_recovery, ...).
// Each key has three dmClock parameters, all in cost units per second:
//
//   - Reservation: a rate the key is guaranteed regardless of competition
//   - Weight: its share of whatever capacity is left over
//   - Limit: a ceiling it may not exceed
//
// The limit applies to reserved service as well, so a reservation above
// the limit is capped to it.
//
// Requests are tagged on arrival. Dequeue first serves keys that are owed
// service under their reservation, then shares the remainder by weight
// among keys still under their limit. When only limited work is pending,
// Dequeue reports when the next request becomes eligible instead of
// blocking.
//
// Strict requests
//
// Requests enqueued with the Strict variants skip QoS. They are served
// highest priority first, FIFO within a priority, and always ahead of any
// QoS-scheduled work.
//
// Layers
//
//   1. TagQueue
//      The dmClock engine over arbitrary comparable keys.
//
//   2. MergedQueue
//      Puts a strict-priority overlay in front of a SchedulableQueue.
//
//   3. PoolQueue
//      Maps requests to (pool, class) keys, resolving pools through an
//      owning service when a request does not carry one.
//
//   4. Dispatcher
//      Owns a PoolQueue behind a mutex and drains it with a fixed set of
//      workers, retrying failed requests with backoff.
//
// None of the queues are safe for concurrent use. QoS parameters are read
// through a QoSProvider on every enqueue; QoSRegistry publishes immutable
// snapshots so a lookup never sees a partial update.
//
// Idle keys
//
// A key that has had nothing queued for IdleAge starts its next request
// from the current time instead of its old tags, and a key inactive for
// EraseAge is forgotten. The sweep runs from Enqueue every CleanInterval,
// or on demand through Clean.
package opqueue

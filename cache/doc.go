// Package cache memoizes computations with a stale-while-revalidate policy.
//
// A Broker sits in front of a Backplane (see package backplane) and wraps
// ordinary functions so that their results are served from storage:
//
//   - miss: the computation runs on the caller's path and the write is deferred.
//   - fresh: the stored value is returned without computing.
//   - stale: the stored value is returned and a refresh is deferred.
//
// Keys are derived from the resource name and a SHA-1 digest of a canonical
// encoding of the call arguments, so equal arguments share an entry across
// processes regardless of map ordering.
//
// Refresh failures never reach callers. Inside the ErrorTTL grace they are
// logged as warnings; after it, as errors. The stale value keeps being served
// until the backplane evicts it at MaxTTL.
package cache

// Package schedule is the recurring-payment scheduling engine.
//
// It keeps exactly one live timer per recurring-payment definition:
//
//   - NextOccurrence steps an anchor instant by a recurrence term, with
//     calendar month-length clamping (Jan 31 -> Feb 28/29).
//   - Timer services arbitrarily long delays by chaining links below the
//     32-bit millisecond ceiling, with a stop that wins any race before
//     the final fire.
//   - Cycle is the per-definition state machine: compute, arm, fire,
//     materialize, rearm (or retry on failure, or dispose on deletion).
//   - Engine owns the identity -> Cycle table and reconciles it against
//     the store's definitions change feed and periodic full listings.
package schedule

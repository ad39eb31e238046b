// Package pool implements a generic instance pool.
//
// A Pool owns a template (a Factory) from which instances are manufactured,
// a LIFO free list of reset instances, and the accounting that bounds how many
// instances may exist at once. Callers Acquire an instance, own it exclusively
// until they Release it, and the pool runs the reset hook before the instance
// becomes eligible for reuse. Instances that fail reset, that exceed a shrunk
// capacity, or that are still free when the pool is destroyed are retired and
// handed to the retire hook.
//
// When capacity is exhausted the growth policy decides what Acquire does:
// PolicyFail and PolicyGrowOnDemand report errs.ErrPoolExhausted, PolicyBlock
// suspends the caller until a release hands it an instance directly.
//
// Pools are explicit, caller-owned handles. Applications wanting one pool per
// instance type register them with a Manager they own and pass around.
package pool

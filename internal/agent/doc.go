// Package agent derives trust signals for autonomous agents: the reputation
// score computed from the confirmed activity log, the deterministic identity
// check with its proof-of-life signal, and the stake weight used for voting and
// arbitration. Directory ties these together over the durable store and caches
// computed reputations.
package agent

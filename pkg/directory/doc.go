// Package directory maintains the cluster-wide map of agent locations
// and service providers behind a hashicorp/raft log, so every node sees
// a linearizable, single-writer view of who owns what.
package directory

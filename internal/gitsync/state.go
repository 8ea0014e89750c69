// Package gitsync brings a checkout in line with its remote branch without
// ever discarding local work.
package gitsync

// State is the relation between the local and remote branch heads.
type State string

const (
	UpToDate State = "UpToDate"
	Behind   State = "Behind"
	Ahead    State = "Ahead"
	Diverged State = "Diverged"
)

// Classify derives the state from the local head, remote head and their merge-base.
func Classify(local, remote, base string) State {
	switch {
	case local == remote:
		return UpToDate
	case local == base:
		return Behind
	case remote == base:
		return Ahead
	default:
		return Diverged
	}
}

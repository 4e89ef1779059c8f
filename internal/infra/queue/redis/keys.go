// Package redis carries analysis jobs to the worker pool and their results
// back, over Redis lists.
//
// Jobs are LPUSHed onto one list per job kind. Workers LPUSH result
// envelopes onto a single results list, which the Consumer drains with
// BLMOVE into a processing list so that a crash between pop and handling
// loses nothing: leftovers are moved back on the next start.
package redis

import (
	"fmt"

	"github.com/OasisLMF/OasisApi/internal/domain/analyses"
)

const DefaultPrefix = "oasis"

// Keys derives the Redis key names under a common prefix.
type Keys struct {
	Prefix string
}

func (k Keys) prefix() string {
	if k.Prefix == "" {
		return DefaultPrefix
	}
	return k.Prefix
}

func (k Keys) Jobs(kind analyses.JobKind) string {
	return fmt.Sprintf("%s:jobs:%s", k.prefix(), kind)
}

func (k Keys) Results() string    { return k.prefix() + ":results" }
func (k Keys) Processing() string { return k.prefix() + ":results:processing" }
func (k Keys) DeadLetter() string { return k.prefix() + ":results:dead" }

func (k Keys) Revoked(taskID string) string { return k.prefix() + ":revoked:" + taskID }
func (k Keys) RevokeChannel() string        { return k.prefix() + ":revoke" }

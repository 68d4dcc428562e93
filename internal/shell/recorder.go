package shell

import (
	"context"
	"io"
	"strings"
)

// Recorder is an executor for tests: it records every Command in order and
// returns canned output instead of running anything.
type Recorder struct {
	Calls []Command
	// StdinSeen holds the fully drained stdin for each call (empty string
	// when the call had no stdin).
	StdinSeen []string
	// Respond, when set, supplies the result for a call; otherwise calls
	// succeed with empty output.
	Respond func(c Command) (Result, error)
}

// Install registers the recorder as the process executor and returns a
// restore func for defer.
func (r *Recorder) Install() func() {
	return SetExecutor(r.run)
}

func (r *Recorder) run(_ context.Context, c Command) (Result, error) {
	r.Calls = append(r.Calls, c)
	stdin := ""
	if c.Stdin != nil {
		b, _ := io.ReadAll(c.Stdin)
		stdin = string(b)
	}
	r.StdinSeen = append(r.StdinSeen, stdin)
	if r.Respond != nil {
		return r.Respond(c)
	}
	return Result{}, nil
}

// Argv renders call i as a single space-joined string, convenient for
// order assertions.
func (r *Recorder) Argv(i int) string {
	c := r.Calls[i]
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Find returns the index of the first call whose argv contains all of the
// given tokens, or -1.
func (r *Recorder) Find(tokens ...string) int {
	for i := range r.Calls {
		argv := r.Argv(i)
		ok := true
		for _, t := range tokens {
			if !strings.Contains(argv, t) {
				ok = false
				break
			}
		}
		if ok {
			return i
		}
	}
	return -1
}

// Package secret holds the pool-encryption passphrase for the lifetime of
// the run. The secret lives only in process memory, is readable any number
// of times without re-prompting, and is never written to disk or logged.
package secret

import (
	"bytes"
	"errors"
	"io"
)

var ErrTooShort = errors.New("passphrase must be at least 8 characters")

// MinLength is the shortest passphrase zpool will accept for
// keyformat=passphrase.
const MinLength = 8

// Channel is an in-memory passphrase holder. The zero value is an empty
// channel, meaning encryption is disabled.
type Channel struct {
	secret []byte
}

// Set stores the passphrase. An empty passphrase clears the channel;
// anything shorter than MinLength is rejected.
func (c *Channel) Set(pass string) error {
	if pass == "" {
		c.secret = nil
		return nil
	}
	if len(pass) < MinLength {
		return ErrTooShort
	}
	c.secret = []byte(pass)
	return nil
}

// IsSet reports whether a passphrase is held, i.e. whether encryption is
// enabled.
func (c *Channel) IsSet() bool { return len(c.secret) > 0 }

// Reader returns a fresh reader yielding the passphrase twice, newline
// terminated, matching what `zpool create -O keylocation=prompt` reads
// from stdin (entry plus confirmation). Each call returns an independent
// reader, so the secret can be consumed again without re-prompting.
func (c *Channel) Reader() io.Reader {
	var buf bytes.Buffer
	buf.Write(c.secret)
	buf.WriteByte('\n')
	buf.Write(c.secret)
	buf.WriteByte('\n')
	return &buf
}

// Wipe zeroes and drops the secret. Called at teardown.
func (c *Channel) Wipe() {
	for i := range c.secret {
		c.secret[i] = 0
	}
	c.secret = nil
}

package secret

import (
	"errors"
	"io"
	"testing"
)

func TestSetRejectsShortPassphrase(t *testing.T) {
	var c Channel
	if err := c.Set("abcde"); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if c.IsSet() {
		t.Fatal("short passphrase must not be stored")
	}
}

func TestEmptyDisablesEncryption(t *testing.T) {
	var c Channel
	if err := c.Set(""); err != nil {
		t.Fatal(err)
	}
	if c.IsSet() {
		t.Fatal("empty passphrase must leave the channel unset")
	}
}

func TestReaderYieldsSecretTwicePerRead(t *testing.T) {
	var c Channel
	if err := c.Set("abcdefgh"); err != nil {
		t.Fatal(err)
	}
	b, err := io.ReadAll(c.Reader())
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "abcdefgh\nabcdefgh\n" {
		t.Fatalf("reader contents: %q", b)
	}
}

func TestReadableTwiceWithoutReprompt(t *testing.T) {
	var c Channel
	if err := c.Set("abcdefgh"); err != nil {
		t.Fatal(err)
	}
	first, _ := io.ReadAll(c.Reader())
	second, _ := io.ReadAll(c.Reader())
	if string(first) != string(second) {
		t.Fatalf("second read differs: %q vs %q", first, second)
	}
	if !c.IsSet() {
		t.Fatal("channel must stay set after reads")
	}
}

func TestWipe(t *testing.T) {
	var c Channel
	if err := c.Set("abcdefgh"); err != nil {
		t.Fatal(err)
	}
	c.Wipe()
	if c.IsSet() {
		t.Fatal("channel still set after wipe")
	}
}

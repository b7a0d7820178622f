package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("accept: %w", Conflict("заявка уже принята"))
	if !errors.Is(err, ErrConflict) {
		t.Fatal("expected wrapped error to match ErrConflict")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("conflict must not match ErrNotFound")
	}
	if got := Message(err); got != "заявка уже принята" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestIsUserFacing(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Conflict("x"), true},
		{NotFound("x"), true},
		{Invalid("x"), true},
		{TransientProvider("mapbox", errors.New("timeout")), false},
		{ErrStaleInput, false},
		{errors.New("db down"), false},
	}
	for _, c := range cases {
		if got := IsUserFacing(c.err); got != c.want {
			t.Errorf("IsUserFacing(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

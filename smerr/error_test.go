package smerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bobuhiro11/goace/smerr"
)

func TestCodeOf(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		err  error
		want smerr.Code
	}{
		{name: "Nil", err: nil, want: smerr.Success},
		{name: "Sentinel", err: smerr.ErrHartAlreadyStarted, want: smerr.AlreadyStarted},
		{name: "Wrapped", err: fmt.Errorf("broadcast: %w", smerr.ErrInterHartRequestQueueFull), want: smerr.Failed},
		{name: "WrappedAddress", err: fmt.Errorf("share: %w", smerr.ErrNotInNonConfidentialMemory), want: smerr.InvalidAddress},
		{name: "Foreign", err: errors.New("boom"), want: smerr.Failed},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if got := smerr.CodeOf(test.err); got != test.want {
				t.Errorf("have: %s, want: %s", got, test.want)
			}
		})
	}
}

func TestCodeStringer(t *testing.T) {
	t.Parallel()

	if s := smerr.Denied.String(); s != "SBI_ERR_DENIED" {
		t.Errorf("have: %s, want: SBI_ERR_DENIED", s)
	}

	if s := smerr.Code(-42).String(); s != "Code(-42)" {
		t.Errorf("have: %s, want: Code(-42)", s)
	}

	if r := smerr.InvalidParam.Register(); r != ^uint64(2) {
		t.Errorf("have: %#x, want: %#x", r, ^uint64(2))
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := smerr.New(smerr.Denied, "nope")
	if err.Error() != "sm: nope" {
		t.Errorf("unexpected message %q", err.Error())
	}

	if !errors.Is(fmt.Errorf("x: %w", err), err) {
		t.Error("wrapped error is not matched")
	}
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package acct

import (
	"errors"
	"testing"
)

func TestNewError(t *testing.T) {
	const errKind = ErrorKind("test kind")
	err := NewError(errKind, "detail")
	if !errors.Is(err, errKind) {
		t.Fatalf("wrapped kind not matched")
	}
	if err.Error() != "test kind: detail" {
		t.Fatalf("wrong message %q", err.Error())
	}
}

func TestErrorCloser(t *testing.T) {
	var order []int
	ec := NewErrorCloser()
	ec.Add(func() error { order = append(order, 1); return nil })
	ec.Add(func() error { order = append(order, 2); return errors.New("logged") })
	ec.Done(Disabled)
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("wrong undo order %v", order)
	}

	order = nil
	ec = NewErrorCloser()
	ec.Add(func() error { order = append(order, 1); return nil })
	ec.Success()
	ec.Done(Disabled)
	if len(order) != 0 {
		t.Fatalf("undo ran after Success")
	}
}

package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestIsSQLiteBusy(t *testing.T) {
	cases := map[string]struct {
		err  error
		busy bool
	}{
		"nil":          {nil, false},
		"other":        {errors.New("no such table: agents"), false},
		"locked":       {errors.New("database is locked"), true},
		"table locked": {errors.New("database table is locked"), true},
		"busy code":    {errors.New("SQLITE_BUSY (5)"), true},
		"wrapped":      {fmt.Errorf("save step: %w", errors.New("database is locked")), true},
	}
	for name, tc := range cases {
		if got := isSQLiteBusy(tc.err); got != tc.busy {
			t.Errorf("%s: isSQLiteBusy = %v, want %v", name, got, tc.busy)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := errors.New("database is locked")
	cases := []struct {
		name      string
		retries   int
		failFirst int
		failWith  error
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", retries: 3, wantCalls: 1},
		{name: "not busy is final", retries: 3, failFirst: 5, failWith: errors.New("constraint failed"), wantCalls: 1, wantErr: true},
		{name: "busy then ok", retries: 3, failFirst: 2, failWith: busy, wantCalls: 3},
		{name: "exhausted", retries: 2, failFirst: 10, failWith: busy, wantCalls: 3, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(context.Background(), tc.retries, func() error {
				calls++
				if calls <= tc.failFirst {
					return tc.failWith
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestRetryOnBusy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, 5, func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call before cancellation, got %d", calls)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dup := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}
	if !isUniqueViolation(fmt.Errorf("insert: %w", dup)) {
		t.Fatal("wrapped unique constraint should be detected")
	}
	notNull := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}
	if isUniqueViolation(notNull) || isUniqueViolation(errors.New("UNIQUE constraint failed")) {
		t.Fatal("only typed unique/primary key errors count")
	}
}

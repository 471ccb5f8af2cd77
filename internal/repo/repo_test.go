package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"codetop/internal/domain"
)

func TestMapErrorSentinels(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"no rows", pgx.ErrNoRows, domain.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505"}, domain.ErrAlreadyExists},
		{"fk violation", &pgconn.PgError{Code: "23503"}, domain.ErrNotFound},
		{"check violation", &pgconn.PgError{Code: "23514"}, domain.ErrInvalidInput},
	}
	for _, tc := range cases {
		got := mapError(tc.in, "card", 7)
		if !errors.Is(got, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestMapErrorPassesThroughContextErrors(t *testing.T) {
	got := mapError(context.Canceled, "card", 7)
	if !errors.Is(got, context.Canceled) {
		t.Fatalf("context cancellation must survive mapping, got %v", got)
	}
	if errors.Is(got, domain.ErrNotFound) {
		t.Fatalf("cancellation must not map to a domain sentinel")
	}
}

func TestMapErrorNil(t *testing.T) {
	if err := mapError(nil, "card", 7); err != nil {
		t.Fatalf("nil maps to nil, got %v", err)
	}
}

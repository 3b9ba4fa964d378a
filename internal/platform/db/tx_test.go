package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

// fakeTx embeds the interface so only the methods under test need bodies.
type fakeTx struct{ pgx.Tx }

func TestTxFromContext(t *testing.T) {
	ctx := context.Background()
	if TxFromContext(ctx) != nil {
		t.Fatal("expected nil tx on empty context")
	}

	tx := &fakeTx{}
	ctx = WithTx(ctx, tx)
	if got := TxFromContext(ctx); got != tx {
		t.Errorf("expected stored tx, got %v", got)
	}
	if got := Conn(ctx, nil); got != Queryable(tx) {
		t.Errorf("expected Conn to prefer the tx")
	}
}

func TestInTx_JoinsOuterTransaction(t *testing.T) {
	tx := &fakeTx{}
	ctx := WithTx(context.Background(), tx)

	var seen pgx.Tx
	err := InTx(ctx, nil, func(ctx context.Context) error {
		seen = TxFromContext(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != tx {
		t.Error("expected nested call to reuse the outer tx")
	}

	want := errors.New("boom")
	if err := InTx(ctx, nil, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("expected fn error to propagate, got %v", err)
	}
}

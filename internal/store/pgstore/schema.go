package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const sqlSchema = `
	create table if not exists credit_ledgers (
		user_id            text primary key,
		balance            bigint not null check (balance >= 0),
		last_renewal_epoch bigint not null,
		created_at         timestamptz not null default now(),
		updated_at         timestamptz not null default now()
	);

	create table if not exists purchase_orders (
		order_id          text primary key,
		user_id           text not null,
		receipt           uuid not null unique,
		fiat_amount_cents bigint not null,
		credit_amount     bigint not null,
		status            text not null,
		payment_reference text not null default '',
		metadata          jsonb not null default '{}',
		created_at        timestamptz not null default now(),
		updated_at        timestamptz not null default now()
	);

	create index if not exists idx_orders_user_created on purchase_orders (user_id, created_at);
`

// EnsureSchema creates the subsystem tables when they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, sqlSchema)
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCreate, err)
	}
	return nil
}

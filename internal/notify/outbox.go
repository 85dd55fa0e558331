package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"funds-transfer/internal/account"
	"funds-transfer/internal/logging"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const chainLockKey = "transfer_notice_chain"

// Outbox appends notices to the transfer_notice table as a hash chain.
// Consumers deliver from the table; the transfer path only writes to it.
type Outbox struct {
	db      *pgxpool.Pool
	log     *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewOutbox(db *pgxpool.Pool, log *zap.Logger, timeout time.Duration) *Outbox {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Outbox{
		db:      db,
		log:     log.Named("outbox"),
		timeout: timeout,
		now:     time.Now,
	}
}

func (o *Outbox) NotifyAboutTransfer(ctx context.Context, acc *account.Account, message string) {
	n := Notice{
		NoticeID:  uuid.New(),
		AccountID: acc.ID(),
		Direction: DirectionOf(ctx),
		Message:   message,
		CreatedAt: o.now().UTC().Truncate(time.Microsecond),
	}

	// The balance change is already committed; a caller that went away must
	// not drop the notice.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	hash, err := o.Append(ctx, n)
	if err != nil {
		o.log.Error("transfer notice not recorded",
			zap.String("notice_id", n.NoticeID.String()),
			zap.String("account_id", n.AccountID),
			zap.String("direction", string(n.Direction)),
			zap.String("correlation_id", logging.CorrelationID(ctx)),
			zap.Error(err),
		)
		return
	}
	o.log.Debug("transfer notice recorded",
		zap.String("notice_id", n.NoticeID.String()),
		zap.String("hash", hash),
	)
}

// Append inserts n at the head of the chain and returns its hash.
func (o *Outbox) Append(ctx context.Context, n Notice) (string, error) {
	if n.NoticeID == uuid.Nil || strings.TrimSpace(n.AccountID) == "" {
		return "", errors.New("notice id and account id are required")
	}
	switch n.Direction {
	case "", DirectionDebit, DirectionCredit:
	default:
		return "", fmt.Errorf("notice direction %q: want DEBIT or CREDIT", n.Direction)
	}

	payloadJSON, payloadCanonical, err := canonicalNotice(n)
	if err != nil {
		return "", err
	}

	tx, err := o.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	// Serialize appenders so every row links to the previous head.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, chainLockKey); err != nil {
		return "", err
	}

	var prev string
	err = tx.QueryRow(ctx, `SELECT hash_hex FROM transfer_notice ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		prev = GenesisHash
	case err != nil:
		return "", err
	}

	hash := ChainHash(prev, payloadCanonical)

	_, err = tx.Exec(ctx,
		`INSERT INTO transfer_notice(
			notice_id, account_id, direction, message, created_at, payload_json, payload_canonical, prev_hash_hex, hash_hex
		) VALUES($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9)`,
		n.NoticeID, n.AccountID, string(n.Direction), n.Message, n.CreatedAt, string(payloadJSON), payloadCanonical, prev, hash,
	)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return hash, nil
}

// Verify walks the whole chain from genesis, recomputing every hash.
// It returns the head hash and the number of rows checked.
func (o *Outbox) Verify(ctx context.Context) (string, int, error) {
	rows, err := o.db.Query(ctx,
		`SELECT seq, prev_hash_hex, hash_hex, payload_canonical FROM transfer_notice ORDER BY seq`)
	if err != nil {
		return "", 0, err
	}
	defer rows.Close()

	v := &ChainVerifier{Anchor: GenesisHash, Strong: true}
	for rows.Next() {
		var (
			seq  int64
			link ChainLink
		)
		if err := rows.Scan(&seq, &link.PrevHashHex, &link.HashHex, &link.PayloadCanonical); err != nil {
			return "", 0, err
		}
		link.Seq = strconv.FormatInt(seq, 10)
		if err := v.Next(link); err != nil {
			return v.Head(), v.Rows(), err
		}
	}
	if err := rows.Err(); err != nil {
		return "", 0, err
	}
	return v.Head(), v.Rows(), nil
}

package db

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/n0rdy/rmqtools/common"

	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// maxIdsPerStatement keeps id lists well below SQLite's limit of 32766 bound parameters.
const maxIdsPerStatement = 500

// RelocationRepo is the durable local store of messages relocated from the broker.
// Every queue it knows about belongs to the vhost it was opened with.
type RelocationRepo struct {
	db    *sql.DB
	vhost string
}

func NewSQLiteRepo(dbPath string, vhost string) (*RelocationRepo, error) {
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &RelocationRepo{
		db:    db,
		vhost: vhost,
	}, nil
}

func (rr *RelocationRepo) FindQueueByName(ctx context.Context, name string) (*common.QueueId, error) {
	query := `
		SELECT id
		FROM queues
		WHERE name = ? AND vhost = ?;`

	var queueId common.QueueId
	err := rr.db.QueryRowContext(ctx, query,
		name,     // WHERE name = ?
		rr.vhost, // AND vhost = ?
	).Scan(&queueId)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.Error().Err(err).Str("queue", name).Msg("failed to find queue by name")
		return nil, common.Wrap(common.ErrStorageFailure, err)
	}
	return &queueId, nil
}

// CreateQueue fails with common.ErrConflict if the queue already exists in the vhost.
func (rr *RelocationRepo) CreateQueue(ctx context.Context, name string) (common.QueueId, error) {
	query := `
		INSERT INTO queues (name, vhost)
		VALUES (?, ?);`

	result, err := rr.db.ExecContext(ctx, query,
		name,     // name
		rr.vhost, // vhost
	)
	if err != nil {
		if isUniqueViolation(err) {
			log.Warn().Str("queue", name).Msg("queue already exists")
			return 0, common.Wrap(common.ErrConflict, err)
		}
		log.Error().Err(err).Str("queue", name).Msg("failed to create queue")
		return 0, common.Wrap(common.ErrStorageFailure, err)
	}

	queueId, err := result.LastInsertId()
	if err != nil {
		log.Error().Err(err).Str("queue", name).Msg("failed to get id of the created queue")
		return 0, common.Wrap(common.ErrStorageFailure, err)
	}
	return queueId, nil
}

// FindOrCreateQueue returns the id of the named queue, creating it on a miss.
// Losing a create race to another caller resolves to the winner's id.
func (rr *RelocationRepo) FindOrCreateQueue(ctx context.Context, name string) (common.QueueId, error) {
	queueId, err := rr.FindQueueByName(ctx, name)
	if err != nil {
		return 0, err
	}
	if queueId != nil {
		return *queueId, nil
	}

	createdId, err := rr.CreateQueue(ctx, name)
	if err == nil {
		return createdId, nil
	}
	if !errors.Is(err, common.ErrConflict) {
		return 0, err
	}

	queueId, err = rr.FindQueueByName(ctx, name)
	if err != nil {
		return 0, err
	}
	if queueId == nil {
		// the conflicting row vanished, which normal operation never does
		return 0, common.Wrap(common.ErrStorageFailure, fmt.Errorf("queue %q conflicted on create but is not found", name))
	}
	return *queueId, nil
}

// GetMessages returns the selected messages ordered by id. Ids that do not exist are skipped.
// An id selection bound to a queue only matches messages of that queue.
func (rr *RelocationRepo) GetMessages(ctx context.Context, selector common.MessageSelector) ([]common.Message, error) {
	if selector.IsAllInQueue() {
		query := `
			SELECT id, queue_id, payload, headers
			FROM messages
			WHERE queue_id = ?
			ORDER BY id ASC;`
		return rr.selectMessages(ctx, query, selector.QueueId())
	}

	messages := []common.Message{}
	for _, batch := range batchIds(selector.Ids()) {
		query, args := idsStatement(`
			SELECT id, queue_id, payload, headers
			FROM messages
			WHERE id IN (%s)%s
			ORDER BY id ASC;`, batch, selector.QueueId())

		batchMessages, err := rr.selectMessages(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		messages = append(messages, batchMessages...)
	}

	slices.SortFunc(messages, func(a, b common.Message) int {
		return cmp.Compare(a.Id, b.Id)
	})
	return messages, nil
}

func (rr *RelocationRepo) selectMessages(ctx context.Context, query string, args ...any) ([]common.Message, error) {
	rows, err := rr.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error().Err(err).Msg("failed to select messages")
		return nil, common.Wrap(common.ErrStorageFailure, err)
	}
	defer rows.Close()

	messages := []common.Message{}
	for rows.Next() {
		var (
			msg     common.Message
			headers string
		)
		if err := rows.Scan(&msg.Id, &msg.QueueId, &msg.Payload, &headers); err != nil {
			log.Error().Err(err).Msg("failed to scan message row")
			return nil, common.Wrap(common.ErrStorageFailure, err)
		}
		if err := json.Unmarshal([]byte(headers), &msg.Headers); err != nil {
			log.Error().Err(err).Int64("message_id", msg.Id).Msg("failed to deserialize message headers")
			return nil, common.Wrap(common.ErrSerialization, err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Msg("failed to iterate message rows")
		return nil, common.Wrap(common.ErrStorageFailure, err)
	}
	return messages, nil
}

// SaveMessages inserts all messages in one transaction: either every row lands or none does.
func (rr *RelocationRepo) SaveMessages(ctx context.Context, queueId common.QueueId, messages []NewMessage) error {
	if len(messages) == 0 {
		return nil
	}

	// serialize everything upfront, so that a bad header map never opens a transaction
	serializedHeaders := make([]string, len(messages))
	for i, msg := range messages {
		headers := msg.Headers
		if headers == nil {
			headers = common.Headers{}
		}
		b, err := json.Marshal(headers)
		if err != nil {
			log.Error().Err(err).Int64("queue_id", queueId).Int("index", i).Msg("failed to serialize message headers")
			return common.Wrap(common.ErrSerialization, err)
		}
		serializedHeaders[i] = string(b)
	}

	tx, err := rr.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error().Err(err).Int64("queue_id", queueId).Msg("failed to begin transaction")
		return common.Wrap(common.ErrStorageFailure, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (queue_id, payload, headers)
		VALUES (?, ?, ?);`)
	if err != nil {
		log.Error().Err(err).Int64("queue_id", queueId).Msg("failed to prepare insert statement")
		return common.Wrap(common.ErrStorageFailure, err)
	}
	defer stmt.Close()

	for i, msg := range messages {
		_, err := stmt.ExecContext(ctx,
			queueId,              // queue_id
			msg.Payload,          // payload
			serializedHeaders[i], // headers
		)
		if err != nil {
			log.Error().Err(err).Int64("queue_id", queueId).Msg("failed to insert message")
			return common.Wrap(common.ErrStorageFailure, err)
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Int64("queue_id", queueId).Msg("failed to commit messages")
		return common.Wrap(common.ErrStorageFailure, err)
	}
	return nil
}

// DeleteMessages removes the selected messages. Missing ids are not an error.
// Large id selections are deleted in batches within one transaction, so either all of them go or none does.
func (rr *RelocationRepo) DeleteMessages(ctx context.Context, selector common.MessageSelector) error {
	if selector.IsAllInQueue() {
		query := `
			DELETE FROM messages
			WHERE queue_id = ?;`
		if _, err := rr.db.ExecContext(ctx, query, selector.QueueId()); err != nil {
			log.Error().Err(err).Int64("queue_id", selector.QueueId()).Msg("failed to delete messages of queue")
			return common.Wrap(common.ErrStorageFailure, err)
		}
		return nil
	}

	if len(selector.Ids()) == 0 {
		return nil
	}

	tx, err := rr.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to begin transaction")
		return common.Wrap(common.ErrStorageFailure, err)
	}
	defer tx.Rollback()

	var deleted int64
	for _, batch := range batchIds(selector.Ids()) {
		query, args := idsStatement(`
			DELETE FROM messages
			WHERE id IN (%s)%s;`, batch, selector.QueueId())

		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			log.Error().Err(err).Int("batch_size", len(batch)).Msg("failed to delete messages")
			return common.Wrap(common.ErrStorageFailure, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			log.Error().Err(err).Msg("failed to get rows affected after delete")
			return common.Wrap(common.ErrStorageFailure, err)
		}
		deleted += rowsAffected
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Int("count", len(selector.Ids())).Msg("failed to commit deleted messages")
		return common.Wrap(common.ErrStorageFailure, err)
	}
	if deleted < int64(len(selector.Ids())) {
		log.Debug().Int64("deleted", deleted).Int("requested", len(selector.Ids())).Msg("some messages were either deleted already or do not exist")
	}
	return nil
}

// SetMessagePayload reports whether the message (queueId, messageId) existed and was updated.
func (rr *RelocationRepo) SetMessagePayload(ctx context.Context, queueId common.QueueId, messageId common.MessageId, payload string) (bool, error) {
	query := `
		UPDATE messages
		SET payload = ?
		WHERE id = ? AND queue_id = ?;`

	result, err := rr.db.ExecContext(ctx, query,
		payload,   // SET payload = ?
		messageId, // WHERE id = ?
		queueId,   // AND queue_id = ?
	)
	if err != nil {
		log.Error().Err(err).Int64("queue_id", queueId).Int64("message_id", messageId).Msg("failed to update message payload")
		return false, common.Wrap(common.ErrStorageFailure, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		log.Error().Err(err).Int64("queue_id", queueId).Int64("message_id", messageId).Msg("failed to get rows affected after update")
		return false, common.Wrap(common.ErrStorageFailure, err)
	}
	return rowsAffected == 1, nil
}

// ListQueuesWithCounts returns every local queue of the vhost, including empty ones.
func (rr *RelocationRepo) ListQueuesWithCounts(ctx context.Context) ([]common.LocalQueue, error) {
	query := `
		SELECT q.id, q.name, coalesce(m.count, 0)
		FROM queues q
		LEFT JOIN (
			SELECT queue_id, count(*) AS count
			FROM messages
			GROUP BY queue_id
		) m ON m.queue_id = q.id
		WHERE q.vhost = ?
		ORDER BY q.id ASC;`

	rows, err := rr.db.QueryContext(ctx, query,
		rr.vhost, // WHERE q.vhost = ?
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to select queues with counts")
		return nil, common.Wrap(common.ErrStorageFailure, err)
	}
	defer rows.Close()

	queues := []common.LocalQueue{}
	for rows.Next() {
		var q common.LocalQueue
		if err := rows.Scan(&q.Id, &q.Name, &q.MessageCount); err != nil {
			log.Error().Err(err).Msg("failed to scan queue row")
			return nil, common.Wrap(common.ErrStorageFailure, err)
		}
		queues = append(queues, q)
	}
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Msg("failed to iterate queue rows")
		return nil, common.Wrap(common.ErrStorageFailure, err)
	}
	return queues, nil
}

func (rr *RelocationRepo) Ping(ctx context.Context) error {
	return rr.db.PingContext(ctx)
}

func (rr *RelocationRepo) Optimize(ctx context.Context) {
	if _, err := rr.db.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		log.Error().Err(err).Msg("failed to optimize database")
	}
}

func (rr *RelocationRepo) Close() error {
	return rr.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// batchIds splits ids so that no statement goes over SQLite's bound parameter limit.
func batchIds(ids []common.MessageId) [][]common.MessageId {
	var batches [][]common.MessageId
	for len(ids) > maxIdsPerStatement {
		batches = append(batches, ids[:maxIdsPerStatement])
		ids = ids[maxIdsPerStatement:]
	}
	if len(ids) > 0 {
		batches = append(batches, ids)
	}
	return batches
}

// idsStatement fills the id placeholders of query and, for a non-zero queueId, the queue filter.
func idsStatement(query string, ids []common.MessageId, queueId common.QueueId) (string, []any) {
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}

	queueFilter := ""
	if queueId != 0 {
		queueFilter = " AND queue_id = ?"
		args = append(args, queueId)
	}
	return fmt.Sprintf(query, placeholders(len(ids)), queueFilter), args
}

func placeholders(count int) string {
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) UpsertShop(ctx context.Context, shopDomain, accessToken string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shops (shop_domain, access_token)
		VALUES ($1, $2)
		ON CONFLICT (shop_domain) DO UPDATE SET access_token=EXCLUDED.access_token
	`, shopDomain, accessToken)
	if err != nil {
		return fmt.Errorf("upsert shop: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetShop(ctx context.Context, shopDomain string) (Shop, error) {
	var shop Shop
	err := s.db.QueryRowContext(ctx, `
		SELECT shop_domain, access_token, installed_at
		FROM shops
		WHERE shop_domain=$1
	`, shopDomain).Scan(&shop.ShopDomain, &shop.AccessToken, &shop.InstalledAt)
	if err != nil {
		return Shop{}, err
	}
	return shop, nil
}

func (s *PostgresStore) ListNotes(ctx context.Context, shopDomain, productID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_domain, product_id, content, created_by, created_at, updated_at
		FROM product_notes
		WHERE shop_domain=$1 AND product_id=$2
		ORDER BY created_at ASC
	`, shopDomain, productID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	items := make([]Note, 0)
	for rows.Next() {
		var item Note
		if err := rows.Scan(&item.ID, &item.ShopDomain, &item.ProductID, &item.Content, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	for i := range items {
		photos, err := s.listNotePhotos(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Photos = photos
	}
	return items, nil
}

func (s *PostgresStore) ListNotesForProducts(ctx context.Context, shopDomain string, productIDs []string) ([]Note, error) {
	if len(productIDs) == 0 {
		return []Note{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_domain, product_id, content, created_by, created_at, updated_at
		FROM product_notes
		WHERE shop_domain=$1 AND product_id = ANY($2)
		ORDER BY product_id ASC, created_at ASC
	`, shopDomain, productIDs)
	if err != nil {
		return nil, fmt.Errorf("list notes for products: %w", err)
	}
	defer rows.Close()

	items := make([]Note, 0)
	for rows.Next() {
		var item Note
		if err := rows.Scan(&item.ID, &item.ShopDomain, &item.ProductID, &item.Content, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountNotesForProducts(ctx context.Context, shopDomain string, productIDs []string) (int, error) {
	if len(productIDs) == 0 {
		return 0, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM product_notes
		WHERE shop_domain=$1 AND product_id = ANY($2)
	`, shopDomain, productIDs).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notes: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountNotes(ctx context.Context, shopDomain string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM product_notes WHERE shop_domain=$1
	`, shopDomain).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notes: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetNote(ctx context.Context, shopDomain, noteID string) (Note, error) {
	var item Note
	err := s.db.QueryRowContext(ctx, `
		SELECT id, shop_domain, product_id, content, created_by, created_at, updated_at
		FROM product_notes
		WHERE shop_domain=$1 AND id=$2
	`, shopDomain, noteID).Scan(&item.ID, &item.ShopDomain, &item.ProductID, &item.Content, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Note{}, err
	}
	photos, err := s.listNotePhotos(ctx, item.ID)
	if err != nil {
		return Note{}, err
	}
	item.Photos = photos
	return item, nil
}

func (s *PostgresStore) InsertNote(ctx context.Context, note Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_notes (id, shop_domain, product_id, content, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, note.ID, note.ShopDomain, note.ProductID, note.Content, note.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateNote(ctx context.Context, shopDomain, noteID, content string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE product_notes
		SET content=$3, updated_at=NOW()
		WHERE shop_domain=$1 AND id=$2
	`, shopDomain, noteID, content)
	if err != nil {
		return false, fmt.Errorf("update note: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update note rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteNote removes the note, its photos (FK cascade) and any acknowledgments
// that reference it. Returns the photo object keys so the caller can clean up
// object storage.
func (s *PostgresStore) DeleteNote(ctx context.Context, shopDomain, noteID string) ([]string, error) {
	photos, err := s.listNotePhotos(ctx, noteID)
	if err != nil {
		return nil, err
	}
	objectKeys := make([]string, 0, len(photos))
	for _, photo := range photos {
		objectKeys = append(objectKeys, photo.ObjectKey)
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM order_acknowledgments WHERE shop_domain=$1 AND note_id=$2
	`, shopDomain, noteID); err != nil {
		return nil, fmt.Errorf("delete note acknowledgments: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM product_notes WHERE shop_domain=$1 AND id=$2
	`, shopDomain, noteID)
	if err != nil {
		return nil, fmt.Errorf("delete note: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("delete note rows: %w", err)
	}
	if affected == 0 {
		return nil, sql.ErrNoRows
	}
	return objectKeys, nil
}

func (s *PostgresStore) InsertNotePhoto(ctx context.Context, photo NotePhoto) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO note_photos (id, note_id, object_key, url)
		VALUES ($1, $2, $3, $4)
	`, photo.ID, photo.NoteID, photo.ObjectKey, photo.URL)
	if err != nil {
		return fmt.Errorf("insert note photo: %w", err)
	}
	return nil
}

func (s *PostgresStore) listNotePhotos(ctx context.Context, noteID string) ([]NotePhoto, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, note_id, object_key, url, created_at
		FROM note_photos
		WHERE note_id=$1
		ORDER BY created_at ASC
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list note photos: %w", err)
	}
	defer rows.Close()

	items := make([]NotePhoto, 0)
	for rows.Next() {
		var item NotePhoto
		if err := rows.Scan(&item.ID, &item.NoteID, &item.ObjectKey, &item.URL, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note photo: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note photos: %w", err)
	}
	return items, nil
}

// UpsertAcknowledgment records that a note was reviewed for an order. A second
// call with the same (order_id, note_id) refreshes the timestamp, session and
// actor rather than erroring, which makes re-checking an already-checked box a
// no-op for the caller.
func (s *PostgresStore) UpsertAcknowledgment(ctx context.Context, ack Acknowledgment) (Acknowledgment, error) {
	var saved Acknowledgment
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO order_acknowledgments (id, shop_domain, order_id, note_id, product_id, acknowledged_by, session_id, proof_photo_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		ON CONFLICT (order_id, note_id) DO UPDATE SET
			acknowledged_by=EXCLUDED.acknowledged_by,
			session_id=EXCLUDED.session_id,
			proof_photo_url=COALESCE(EXCLUDED.proof_photo_url, order_acknowledgments.proof_photo_url),
			acknowledged_at=NOW()
		RETURNING id, shop_domain, order_id, note_id, product_id, acknowledged_by, session_id, COALESCE(proof_photo_url, ''), acknowledged_at
	`, ack.ID, ack.ShopDomain, ack.OrderID, ack.NoteID, ack.ProductID, ack.AcknowledgedBy, ack.SessionID, ack.ProofPhotoURL).Scan(
		&saved.ID,
		&saved.ShopDomain,
		&saved.OrderID,
		&saved.NoteID,
		&saved.ProductID,
		&saved.AcknowledgedBy,
		&saved.SessionID,
		&saved.ProofPhotoURL,
		&saved.AcknowledgedAt,
	)
	if err != nil {
		return Acknowledgment{}, fmt.Errorf("upsert acknowledgment: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) ListAcknowledgments(ctx context.Context, shopDomain, orderID string) ([]Acknowledgment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_domain, order_id, note_id, product_id, acknowledged_by, session_id, COALESCE(proof_photo_url, ''), acknowledged_at
		FROM order_acknowledgments
		WHERE shop_domain=$1 AND order_id=$2
		ORDER BY acknowledged_at ASC
	`, shopDomain, orderID)
	if err != nil {
		return nil, fmt.Errorf("list acknowledgments: %w", err)
	}
	defer rows.Close()

	items := make([]Acknowledgment, 0)
	for rows.Next() {
		var item Acknowledgment
		if err := rows.Scan(
			&item.ID,
			&item.ShopDomain,
			&item.OrderID,
			&item.NoteID,
			&item.ProductID,
			&item.AcknowledgedBy,
			&item.SessionID,
			&item.ProofPhotoURL,
			&item.AcknowledgedAt,
		); err != nil {
			return nil, fmt.Errorf("scan acknowledgment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate acknowledgments: %w", err)
	}
	return items, nil
}

// AllAcknowledged reports whether every note on any of the given products has
// an acknowledgment row for the order. Products without notes pass trivially;
// no notes at all means there is nothing to acknowledge.
func (s *PostgresStore) AllAcknowledged(ctx context.Context, shopDomain, orderID string, productIDs []string) (bool, error) {
	if len(productIDs) == 0 {
		return true, nil
	}
	var pending int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM product_notes n
		WHERE n.shop_domain=$1
		  AND n.product_id = ANY($3)
		  AND NOT EXISTS (
			SELECT 1 FROM order_acknowledgments a
			WHERE a.order_id=$2 AND a.note_id=n.id
		  )
	`, shopDomain, orderID, productIDs).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("count pending acknowledgments: %w", err)
	}
	return pending == 0, nil
}

func (s *PostgresStore) ClearAcknowledgments(ctx context.Context, shopDomain, orderID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM order_acknowledgments WHERE shop_domain=$1 AND order_id=$2
	`, shopDomain, orderID)
	if err != nil {
		return 0, fmt.Errorf("clear acknowledgments: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear acknowledgments rows: %w", err)
	}
	return int(affected), nil
}

// Authorize mints (or refreshes) the release authorization for an order. The
// PostgreSQL backend has no active expiry sweep; expires_at is filtered at
// read time.
func (s *PostgresStore) Authorize(ctx context.Context, shopDomain, orderID string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_release_authorizations (order_id, shop_domain, expires_at, consumed)
		VALUES ($1, $2, $3, FALSE)
		ON CONFLICT (order_id, shop_domain) DO UPDATE SET expires_at=EXCLUDED.expires_at, consumed=FALSE
	`, orderID, shopDomain, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("authorize release: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAuthorized(ctx context.Context, shopDomain, orderID string) (bool, error) {
	var authorized bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM order_release_authorizations
			WHERE order_id=$1 AND shop_domain=$2 AND NOT consumed AND expires_at > NOW()
		)
	`, orderID, shopDomain).Scan(&authorized)
	if err != nil {
		return false, fmt.Errorf("check release authorization: %w", err)
	}
	return authorized, nil
}

func (s *PostgresStore) ConsumeAuthorization(ctx context.Context, shopDomain, orderID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE order_release_authorizations
		SET consumed=TRUE
		WHERE order_id=$1 AND shop_domain=$2 AND NOT consumed AND expires_at > NOW()
	`, orderID, shopDomain)
	if err != nil {
		return false, fmt.Errorf("consume release authorization: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume release authorization rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetSettings(ctx context.Context, shopDomain string) (Settings, error) {
	var settings Settings
	err := s.db.QueryRowContext(ctx, `
		SELECT shop_domain, require_acknowledgment, require_photo_proof, block_fulfillment
		FROM app_settings
		WHERE shop_domain=$1
	`, shopDomain).Scan(&settings.ShopDomain, &settings.RequireAcknowledgment, &settings.RequirePhotoProof, &settings.BlockFulfillment)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{
			ShopDomain:            shopDomain,
			RequireAcknowledgment: true,
			RequirePhotoProof:     false,
			BlockFulfillment:      true,
		}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return settings, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, settings Settings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_settings (shop_domain, require_acknowledgment, require_photo_proof, block_fulfillment)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (shop_domain) DO UPDATE SET
			require_acknowledgment=EXCLUDED.require_acknowledgment,
			require_photo_proof=EXCLUDED.require_photo_proof,
			block_fulfillment=EXCLUDED.block_fulfillment,
			updated_at=NOW()
	`, settings.ShopDomain, settings.RequireAcknowledgment, settings.RequirePhotoProof, settings.BlockFulfillment)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (shop_domain, event_type, order_id, actor, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, event.ShopDomain, event.EventType, event.OrderID, event.Actor, string(encoded))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// MarkWebhookProcessed records a webhook delivery id and reports whether this
// delivery is the first one seen. Duplicate deliveries hit the unique
// constraint and report false.
func (s *PostgresStore) MarkWebhookProcessed(ctx context.Context, webhookID, topic, shopDomain string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_webhooks (webhook_id, topic, shop_domain)
		VALUES ($1, $2, $3)
		ON CONFLICT (webhook_id) DO NOTHING
	`, webhookID, topic, shopDomain)
	if err != nil {
		return false, fmt.Errorf("mark webhook processed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark webhook processed rows: %w", err)
	}
	return affected > 0, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"notegate/api/internal/authz"
	"notegate/api/internal/config"
	"notegate/api/internal/photos"
	"notegate/api/internal/search"
	"notegate/api/internal/shopify"
	"notegate/api/internal/store"
	"notegate/api/internal/util"
)

type AcknowledgeInput struct {
	OrderID       string   `json:"orderId"`
	NoteID        string   `json:"noteId"`
	ProductID     string   `json:"productId"`
	SessionID     string   `json:"sessionId"`
	ActedBy       string   `json:"actedBy"`
	ProofPhotoURL string   `json:"proofPhotoUrl"`
	AllProductIDs []string `json:"allProductIds"`
}

type dataStore interface {
	GetShop(context.Context, string) (store.Shop, error)
	UpsertShop(context.Context, string, string) error
	ListNotes(context.Context, string, string) ([]store.Note, error)
	ListNotesForProducts(context.Context, string, []string) ([]store.Note, error)
	CountNotesForProducts(context.Context, string, []string) (int, error)
	CountNotes(context.Context, string) (int, error)
	GetNote(context.Context, string, string) (store.Note, error)
	InsertNote(context.Context, store.Note) error
	UpdateNote(context.Context, string, string, string) (bool, error)
	DeleteNote(context.Context, string, string) ([]string, error)
	InsertNotePhoto(context.Context, store.NotePhoto) error
	UpsertAcknowledgment(context.Context, store.Acknowledgment) (store.Acknowledgment, error)
	ListAcknowledgments(context.Context, string, string) ([]store.Acknowledgment, error)
	AllAcknowledged(context.Context, string, string, []string) (bool, error)
	ClearAcknowledgments(context.Context, string, string) (int, error)
	GetSettings(context.Context, string) (store.Settings, error)
	SaveSettings(context.Context, store.Settings) error
	InsertAuditEvent(context.Context, store.AuditEvent) error
	MarkWebhookProcessed(context.Context, string, string, string) (bool, error)
	Ping(ctx context.Context) error
}

// authzStore is the release-authorization backend. Redis when configured,
// otherwise the PostgreSQL store satisfies the same contract.
type authzStore interface {
	Authorize(ctx context.Context, shopDomain, orderID string, ttl time.Duration) error
	IsAuthorized(ctx context.Context, shopDomain, orderID string) (bool, error)
	ConsumeAuthorization(ctx context.Context, shopDomain, orderID string) (bool, error)
}

// fulfillmentGateway is the narrow capability the hold coordinator needs from
// the remote order-management API.
type fulfillmentGateway interface {
	GetFulfillmentOrders(ctx context.Context, orderID string) ([]shopify.FulfillmentOrder, error)
	HoldFulfillmentOrder(ctx context.Context, fulfillmentOrderID, reason, note string, notify bool) (shopify.MutationResult, error)
	ReleaseFulfillmentOrderHold(ctx context.Context, fulfillmentOrderID string) (shopify.MutationResult, error)
	OrderLineItemProductIDs(ctx context.Context, orderID string) ([]string, error)
	AddOrderNote(ctx context.Context, orderID, text string) error
	RemoveOrderNoteMatching(ctx context.Context, orderID, marker string) error
	ProductCount(ctx context.Context) (int, error)
	SubscriptionStatus(ctx context.Context) (shopify.Subscription, error)
}

type photoStore interface {
	Put(ctx context.Context, objectKey string, body io.Reader, size int64, contentType string) (string, error)
	Remove(ctx context.Context, objectKey string) error
}

type Service struct {
	cfg        config.Config
	store      dataStore
	authz      authzStore
	search     *search.Service
	photos     photoStore
	gatewayFor func(store.Shop) fulfillmentGateway
}

// New wires the service with the PostgreSQL release-authorization fallback.
func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service, photoStore *photos.MinioStore) *Service {
	return newService(cfg, dataStore, dataStore, searchService, photoStore)
}

// NewWithAuthzStore wires the service with the Redis-backed release
// authorization store.
func NewWithAuthzStore(cfg config.Config, dataStore *store.PostgresStore, redisStore *authz.RedisStore, searchService *search.Service, photoStore *photos.MinioStore) *Service {
	return newService(cfg, dataStore, redisStore, searchService, photoStore)
}

func newService(cfg config.Config, dataStore *store.PostgresStore, az authzStore, searchService *search.Service, photoStore *photos.MinioStore) *Service {
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		authz:  az,
		search: searchService,
	}
	if photoStore != nil {
		s.photos = photoStore
	}
	s.gatewayFor = func(shop store.Shop) fulfillmentGateway {
		return shopify.New(shop.ShopDomain, shop.AccessToken, cfg.ShopifyAPIVersion)
	}
	return s
}

func (s *Service) ExtensionToken() string {
	return s.cfg.ExtensionToken
}

func (s *Service) WebhookSecret() string {
	return s.cfg.ShopifyAPISecret
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// AuthzPing checks the release-authorization backend when it has its own
// connection (the Redis store); the PG fallback shares the database ping.
func (s *Service) AuthzPing(ctx context.Context) error {
	pinger, ok := s.authz.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return pinger.Ping(ctx)
}

func (s *Service) ResolveShop(ctx context.Context, shopDomain string) (store.Shop, error) {
	if strings.TrimSpace(shopDomain) == "" {
		return store.Shop{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Shop header missing", nil)
	}
	shop, err := s.store.GetShop(ctx, shopDomain)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Shop{}, domainError(http.StatusUnauthorized, "UNKNOWN_SHOP", "Shop is not installed", nil)
	}
	if err != nil {
		return store.Shop{}, fmt.Errorf("resolve shop: %w", err)
	}
	return shop, nil
}

// --- Notes ---

func (s *Service) ListProductNotes(ctx context.Context, shop store.Shop, productID string) (map[string]any, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "productId is required", nil)
	}
	notes, err := s.store.ListNotes(ctx, shop.ShopDomain, productID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"notes": notePayloads(notes)}, nil
}

func (s *Service) CreateNote(ctx context.Context, shop store.Shop, productID, content, createdBy string) (map[string]any, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "productId is required", nil)
	}
	if strings.TrimSpace(content) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	note := store.Note{
		ID:         util.NewID("note"),
		ShopDomain: shop.ShopDomain,
		ProductID:  productID,
		Content:    content,
		CreatedBy:  createdBy,
	}
	if err := s.store.InsertNote(ctx, note); err != nil {
		return nil, err
	}
	saved, err := s.store.GetNote(ctx, shop.ShopDomain, note.ID)
	if err != nil {
		return nil, err
	}
	s.indexNote(saved)
	return map[string]any{"note": notePayload(saved)}, nil
}

func (s *Service) UpdateNote(ctx context.Context, shop store.Shop, noteID, content string) (map[string]any, error) {
	if strings.TrimSpace(content) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	updated, err := s.store.UpdateNote(ctx, shop.ShopDomain, noteID, content)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, sql.ErrNoRows
	}
	saved, err := s.store.GetNote(ctx, shop.ShopDomain, noteID)
	if err != nil {
		return nil, err
	}
	s.indexNote(saved)
	return map[string]any{"note": notePayload(saved)}, nil
}

// DeleteNote removes the note, its acknowledgments, its photos in object
// storage (best effort) and its search index entry.
func (s *Service) DeleteNote(ctx context.Context, shop store.Shop, noteID string) (map[string]any, error) {
	objectKeys, err := s.store.DeleteNote(ctx, shop.ShopDomain, noteID)
	if err != nil {
		return nil, err
	}
	if s.photos != nil {
		for _, key := range objectKeys {
			if err := s.photos.Remove(ctx, key); err != nil {
				log.Printf("notes: remove photo object %s: %v", key, err)
			}
		}
	}
	if s.search != nil {
		s.search.DeleteNote(noteID)
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) AttachNotePhoto(ctx context.Context, shop store.Shop, noteID string, body io.Reader, size int64, contentType string) (map[string]any, error) {
	if s.photos == nil {
		return nil, domainError(http.StatusServiceUnavailable, "PHOTOS_UNAVAILABLE", "Photo storage not configured", nil)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "photo must be an image", nil)
	}
	note, err := s.store.GetNote(ctx, shop.ShopDomain, noteID)
	if err != nil {
		return nil, err
	}
	objectKey := shop.ShopDomain + "/" + note.ID + "/" + util.NewID("photo")
	url, err := s.photos.Put(ctx, objectKey, body, size, contentType)
	if err != nil {
		return nil, fmt.Errorf("store note photo: %w", err)
	}
	photo := store.NotePhoto{
		ID:        util.NewID("photo"),
		NoteID:    note.ID,
		ObjectKey: objectKey,
		URL:       url,
	}
	if err := s.store.InsertNotePhoto(ctx, photo); err != nil {
		return nil, err
	}
	return map[string]any{"photo": photoPayload(photo)}, nil
}

func (s *Service) SearchNotes(ctx context.Context, shop store.Shop, query, productID string, limit, offset int) (map[string]any, error) {
	if s.search == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured", nil)
	}
	response := s.search.Search(search.Query{
		Text:            query,
		ShopDomain:      shop.ShopDomain,
		FilterProductID: productID,
		Limit:           limit,
		Offset:          offset,
	})
	return map[string]any{
		"results": response.Results,
		"total":   response.Total,
		"query":   response.Query,
	}, nil
}

func (s *Service) indexNote(note store.Note) {
	if s.search == nil {
		return
	}
	s.search.IndexNote(search.NoteRecord{
		ID:         note.ID,
		ShopDomain: note.ShopDomain,
		ProductID:  note.ProductID,
		Content:    note.Content,
		CreatedBy:  note.CreatedBy,
	})
}

// --- Settings & status ---

func (s *Service) Settings(ctx context.Context, shop store.Shop) (map[string]any, error) {
	settings, err := s.store.GetSettings(ctx, shop.ShopDomain)
	if err != nil {
		return nil, err
	}
	return map[string]any{"settings": settingsPayload(settings)}, nil
}

func (s *Service) SaveSettings(ctx context.Context, shop store.Shop, requireAcknowledgment, requirePhotoProof, blockFulfillment bool) (map[string]any, error) {
	settings := store.Settings{
		ShopDomain:            shop.ShopDomain,
		RequireAcknowledgment: requireAcknowledgment,
		RequirePhotoProof:     requirePhotoProof,
		BlockFulfillment:      blockFulfillment,
	}
	if err := s.store.SaveSettings(ctx, settings); err != nil {
		return nil, err
	}
	return map[string]any{"settings": settingsPayload(settings)}, nil
}

// Status reports shop-level counters for the admin dashboard.
func (s *Service) Status(ctx context.Context, shop store.Shop) (map[string]any, error) {
	settings, err := s.store.GetSettings(ctx, shop.ShopDomain)
	if err != nil {
		return nil, err
	}
	noteCount, err := s.store.CountNotes(ctx, shop.ShopDomain)
	if err != nil {
		return nil, err
	}
	gw := s.gatewayFor(shop)
	productCount, err := gw.ProductCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("load product count: %w", err)
	}
	subscription, err := gw.SubscriptionStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return map[string]any{
		"noteCount":    noteCount,
		"productCount": productCount,
		"subscription": map[string]any{
			"name":   subscription.Name,
			"status": subscription.Status,
		},
		"settings": settingsPayload(settings),
	}, nil
}

// --- Acknowledgments ---

// OrderNotes returns the notes for the order's products together with the
// acknowledgments already recorded, so a viewing surface can restore state.
func (s *Service) OrderNotes(ctx context.Context, shop store.Shop, orderID string, productIDs []string) (map[string]any, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orderId is required", nil)
	}
	notes, err := s.store.ListNotesForProducts(ctx, shop.ShopDomain, productIDs)
	if err != nil {
		return nil, err
	}
	acks, err := s.store.ListAcknowledgments(ctx, shop.ShopDomain, orderID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"notes":           notePayloads(notes),
		"acknowledgments": ackPayloads(acks),
	}, nil
}

// Acknowledge records one note acknowledgment. When allProductIds is provided
// and every note on those products is now acknowledged, the hold release is
// attempted in the same request; a remote failure leaves the acknowledgment in
// place and reports holdReleased=false.
func (s *Service) Acknowledge(ctx context.Context, shop store.Shop, input AcknowledgeInput) (map[string]any, error) {
	if strings.TrimSpace(input.OrderID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orderId is required", nil)
	}
	if strings.TrimSpace(input.NoteID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "noteId is required", nil)
	}
	if strings.TrimSpace(input.SessionID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sessionId is required", nil)
	}

	note, err := s.store.GetNote(ctx, shop.ShopDomain, input.NoteID)
	if err != nil {
		return nil, err
	}
	productID := input.ProductID
	if productID == "" {
		productID = note.ProductID
	}

	settings, err := s.store.GetSettings(ctx, shop.ShopDomain)
	if err != nil {
		return nil, err
	}
	if settings.RequirePhotoProof && strings.TrimSpace(input.ProofPhotoURL) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "PHOTO_PROOF_REQUIRED", "This shop requires a proof photo with each acknowledgment", nil)
	}

	actor := input.ActedBy
	if actor == "" {
		actor = "extension-user"
	}

	ack, err := s.store.UpsertAcknowledgment(ctx, store.Acknowledgment{
		ID:             util.NewID("ack"),
		ShopDomain:     shop.ShopDomain,
		OrderID:        input.OrderID,
		NoteID:         note.ID,
		ProductID:      productID,
		AcknowledgedBy: actor,
		SessionID:      input.SessionID,
		ProofPhotoURL:  input.ProofPhotoURL,
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, shop.ShopDomain, "note_acknowledged", input.OrderID, actor, map[string]any{
		"noteId":    note.ID,
		"productId": productID,
	})

	scope := input.AllProductIDs
	if len(scope) == 0 {
		scope = []string{productID}
	}
	allAcknowledged, err := s.store.AllAcknowledged(ctx, shop.ShopDomain, input.OrderID, scope)
	if err != nil {
		return nil, err
	}

	holdReleased := false
	if allAcknowledged && len(input.AllProductIDs) > 0 {
		payload, err := s.ReleaseHold(ctx, shop, input.OrderID, input.AllProductIDs)
		if err != nil {
			log.Printf("acknowledge: release hold for order %s: %v", input.OrderID, err)
		} else if released, ok := payload["holdReleased"].(bool); ok {
			holdReleased = released
		}
	}

	return map[string]any{
		"acknowledgment":  ackPayload(ack),
		"allAcknowledged": allAcknowledged,
		"holdReleased":    holdReleased,
	}, nil
}

// ResetAcknowledgments wipes the order's acknowledgments and re-applies the
// hold when policy still calls for one.
func (s *Service) ResetAcknowledgments(ctx context.Context, shop store.Shop, orderID string, productIDs []string) (map[string]any, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orderId is required", nil)
	}
	deleted, err := s.store.ClearAcknowledgments(ctx, shop.ShopDomain, orderID)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, shop.ShopDomain, "acknowledgments_reset", orderID, "", map[string]any{"deleted": deleted})

	holdApplied := false
	needed, err := s.needsHold(ctx, shop, productIDs)
	if err != nil {
		return nil, err
	}
	if needed {
		gw := s.gatewayFor(shop)
		applied, _, err := s.applyHold(ctx, gw, shop, orderID)
		if err != nil {
			return nil, err
		}
		holdApplied = applied
	}
	return map[string]any{
		"success":      true,
		"deletedCount": deleted,
		"holdApplied":  holdApplied,
	}, nil
}

// --- Webhooks ---

type ordersCreatePayload struct {
	ID                int64  `json:"id"`
	AdminGraphqlAPIID string `json:"admin_graphql_api_id"`
	LineItems         []struct {
		ProductID int64 `json:"product_id"`
	} `json:"line_items"`
}

// HandleOrdersCreate applies a hold for a freshly created order when policy
// requires one. Duplicate deliveries are detected via the webhook id and
// dropped.
func (s *Service) HandleOrdersCreate(ctx context.Context, shopDomain, webhookID string, body []byte) error {
	if webhookID != "" {
		first, err := s.store.MarkWebhookProcessed(ctx, webhookID, "orders/create", shopDomain)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
	}

	shop, err := s.store.GetShop(ctx, shopDomain)
	if err != nil {
		return fmt.Errorf("webhook shop %s: %w", shopDomain, err)
	}

	var payload ordersCreatePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode orders/create payload: %w", err)
	}

	orderID := payload.AdminGraphqlAPIID
	if orderID == "" {
		orderID = fmt.Sprintf("gid://shopify/Order/%d", payload.ID)
	}

	seen := make(map[string]struct{})
	productIDs := make([]string, 0, len(payload.LineItems))
	for _, item := range payload.LineItems {
		if item.ProductID == 0 {
			continue
		}
		gid := fmt.Sprintf("gid://shopify/Product/%d", item.ProductID)
		if _, ok := seen[gid]; ok {
			continue
		}
		seen[gid] = struct{}{}
		productIDs = append(productIDs, gid)
	}

	gw := s.gatewayFor(shop)
	if len(productIDs) == 0 {
		productIDs, err = gw.OrderLineItemProductIDs(ctx, orderID)
		if err != nil {
			return fmt.Errorf("webhook line items for %s: %w", orderID, err)
		}
	}

	needed, err := s.needsHold(ctx, shop, productIDs)
	if err != nil {
		return err
	}
	if !needed {
		return nil
	}
	if _, _, err := s.applyHold(ctx, gw, shop, orderID); err != nil {
		return err
	}
	return nil
}

// --- Payload helpers ---

func (s *Service) audit(ctx context.Context, shopDomain, eventType, orderID, actor string, payload map[string]any) {
	if err := s.store.InsertAuditEvent(ctx, store.AuditEvent{
		ShopDomain: shopDomain,
		EventType:  eventType,
		OrderID:    orderID,
		Actor:      actor,
		Payload:    payload,
	}); err != nil {
		log.Printf("audit: insert %s for order %s: %v", eventType, orderID, err)
	}
}

func notePayloads(notes []store.Note) []map[string]any {
	items := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		items = append(items, notePayload(note))
	}
	return items
}

func notePayload(note store.Note) map[string]any {
	photoItems := make([]map[string]any, 0, len(note.Photos))
	for _, photo := range note.Photos {
		photoItems = append(photoItems, photoPayload(photo))
	}
	return map[string]any{
		"id":        note.ID,
		"productId": note.ProductID,
		"content":   note.Content,
		"createdBy": note.CreatedBy,
		"photos":    photoItems,
		"createdAt": note.CreatedAt,
		"updatedAt": note.UpdatedAt,
	}
}

func photoPayload(photo store.NotePhoto) map[string]any {
	return map[string]any{
		"id":  photo.ID,
		"url": photo.URL,
	}
}

func ackPayloads(acks []store.Acknowledgment) []map[string]any {
	items := make([]map[string]any, 0, len(acks))
	for _, ack := range acks {
		items = append(items, ackPayload(ack))
	}
	return items
}

func ackPayload(ack store.Acknowledgment) map[string]any {
	payload := map[string]any{
		"id":             ack.ID,
		"orderId":        ack.OrderID,
		"noteId":         ack.NoteID,
		"productId":      ack.ProductID,
		"acknowledgedBy": ack.AcknowledgedBy,
		"sessionId":      ack.SessionID,
		"acknowledgedAt": ack.AcknowledgedAt,
	}
	if ack.ProofPhotoURL != "" {
		payload["proofPhotoUrl"] = ack.ProofPhotoURL
	}
	return payload
}

func settingsPayload(settings store.Settings) map[string]any {
	return map[string]any{
		"requireAcknowledgment": settings.RequireAcknowledgment,
		"requirePhotoProof":     settings.RequirePhotoProof,
		"blockFulfillment":      settings.BlockFulfillment,
	}
}

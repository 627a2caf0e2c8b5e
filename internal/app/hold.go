package app

import (
	"context"
	"log"
	"net/http"

	"notegate/api/internal/shopify"
	"notegate/api/internal/store"
)

// advisoryNoteMarker tags the order-note line this service owns, so release
// can strip exactly that line and nothing a merchant wrote by hand.
const advisoryNoteMarker = "[notegate]"

const advisoryNoteText = advisoryNoteMarker + " Fulfillment held: product notes must be acknowledged before shipping."

const (
	holdReasonCode = "OTHER"
	holdReasonNote = "Product notes must be acknowledged before fulfillment."
)

// HoldItemResult reports one fulfillment order's part in a hold or release
// fan-out.
type HoldItemResult struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

const (
	outcomeOK      = "ok"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
)

// needsHold reports whether the order's products require a fulfillment hold:
// false when the shop has hold enforcement off or no notes exist on any of the
// products.
func (s *Service) needsHold(ctx context.Context, shop store.Shop, productIDs []string) (bool, error) {
	settings, err := s.store.GetSettings(ctx, shop.ShopDomain)
	if err != nil {
		return false, err
	}
	if !settings.BlockFulfillment {
		return false, nil
	}
	count, err := s.store.CountNotesForProducts(ctx, shop.ShopDomain, productIDs)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyHold holds every OPEN or SCHEDULED fulfillment order of the given
// order. Fulfillment orders in any other status are skipped, never mutated.
// The fan-out is best effort: one failure does not abort the rest, and the
// aggregate success is the AND over attempted items. Returns whether at least
// one hold was placed.
func (s *Service) applyHold(ctx context.Context, gw fulfillmentGateway, shop store.Shop, orderID string) (bool, []HoldItemResult, error) {
	fulfillmentOrders, err := gw.GetFulfillmentOrders(ctx, orderID)
	if err != nil {
		return false, nil, err
	}

	results := make([]HoldItemResult, 0, len(fulfillmentOrders))
	held := false
	for _, fo := range fulfillmentOrders {
		if fo.Status != shopify.StatusOpen && fo.Status != shopify.StatusScheduled {
			results = append(results, HoldItemResult{ID: fo.ID, Outcome: outcomeSkipped, Reason: "status " + fo.Status})
			continue
		}
		result, err := gw.HoldFulfillmentOrder(ctx, fo.ID, holdReasonCode, holdReasonNote, false)
		if err != nil {
			results = append(results, HoldItemResult{ID: fo.ID, Outcome: outcomeFailed, Reason: err.Error()})
			continue
		}
		if !result.OK {
			results = append(results, HoldItemResult{ID: fo.ID, Outcome: outcomeFailed, Reason: firstUserError(result)})
			continue
		}
		results = append(results, HoldItemResult{ID: fo.ID, Outcome: outcomeOK})
		held = true
	}

	// The advisory note is deduplicated remotely, so attaching on every pass
	// keeps it present even when all items were already on hold.
	if err := gw.AddOrderNote(ctx, orderID, advisoryNoteText); err != nil {
		log.Printf("hold: attach advisory note to order %s: %v", orderID, err)
	}

	if held {
		s.audit(ctx, shop.ShopDomain, "hold_applied", orderID, "", map[string]any{"results": results})
	}
	return held, results, nil
}

// ReleaseHold releases the hold on every ON_HOLD fulfillment order, refusing
// outright before any remote call when not every note on the given products is
// acknowledged. A release authorization is minted first; advisory note cleanup
// failure is logged but never rolls the release back.
func (s *Service) ReleaseHold(ctx context.Context, shop store.Shop, orderID string, productIDs []string) (map[string]any, error) {
	if orderID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orderId is required", nil)
	}

	allAcknowledged, err := s.store.AllAcknowledged(ctx, shop.ShopDomain, orderID, productIDs)
	if err != nil {
		return nil, err
	}
	if !allAcknowledged {
		return nil, domainError(http.StatusForbidden, "HOLD_NOT_SATISFIED", "All product notes must be acknowledged before the hold can be released", nil)
	}

	if err := s.authz.Authorize(ctx, shop.ShopDomain, orderID, s.cfg.ReleaseAuthTTL); err != nil {
		return nil, err
	}

	gw := s.gatewayFor(shop)
	fulfillmentOrders, err := gw.GetFulfillmentOrders(ctx, orderID)
	if err != nil {
		return nil, err
	}

	results := make([]HoldItemResult, 0, len(fulfillmentOrders))
	released := false
	success := true
	for _, fo := range fulfillmentOrders {
		if fo.Status != shopify.StatusOnHold {
			results = append(results, HoldItemResult{ID: fo.ID, Outcome: outcomeSkipped, Reason: "status " + fo.Status})
			continue
		}
		result, err := gw.ReleaseFulfillmentOrderHold(ctx, fo.ID)
		if err != nil {
			results = append(results, HoldItemResult{ID: fo.ID, Outcome: outcomeFailed, Reason: err.Error()})
			success = false
			continue
		}
		if !result.OK {
			results = append(results, HoldItemResult{ID: fo.ID, Outcome: outcomeFailed, Reason: firstUserError(result)})
			success = false
			continue
		}
		results = append(results, HoldItemResult{ID: fo.ID, Outcome: outcomeOK})
		released = true
	}

	if released {
		if err := gw.RemoveOrderNoteMatching(ctx, orderID, advisoryNoteMarker); err != nil {
			log.Printf("hold: remove advisory note from order %s: %v", orderID, err)
		}
		s.audit(ctx, shop.ShopDomain, "hold_released", orderID, "", map[string]any{"results": results})
	}

	return map[string]any{
		"success":      success,
		"holdReleased": released,
		"results":      results,
	}, nil
}

// CheckHold reconciles hold state when a viewer opens the order: a missing
// hold is re-applied, a continuation of the acknowledging session is left
// alone, and a new viewer invalidates previous acknowledgments.
func (s *Service) CheckHold(ctx context.Context, shop store.Shop, orderID string, productIDs []string, sessionID string) (map[string]any, error) {
	if orderID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orderId is required", nil)
	}

	needed, err := s.needsHold(ctx, shop, productIDs)
	if err != nil {
		return nil, err
	}
	if !needed {
		return reconcileResult(false, false, "no hold needed"), nil
	}

	gw := s.gatewayFor(shop)
	fulfillmentOrders, err := gw.GetFulfillmentOrders(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !anyFulfillable(fulfillmentOrders) {
		// Closed or cancelled orders are never re-opened.
		return reconcileResult(false, false, "order not fulfillable"), nil
	}

	acks, err := s.store.ListAcknowledgments(ctx, shop.ShopDomain, orderID)
	if err != nil {
		return nil, err
	}

	if len(acks) > 0 && isSameSession(sessionIDs(acks), sessionID) {
		// Same viewing session re-rendering the page: never re-prompt.
		return reconcileResult(false, false, "session continuation"), nil
	}

	cleared := false
	if len(acks) > 0 {
		deleted, err := s.store.ClearAcknowledgments(ctx, shop.ShopDomain, orderID)
		if err != nil {
			return nil, err
		}
		cleared = deleted > 0
		s.audit(ctx, shop.ShopDomain, "acknowledgments_cleared", orderID, "", map[string]any{
			"deleted":   deleted,
			"sessionId": sessionID,
		})
	}

	applied, results, err := s.applyHold(ctx, gw, shop, orderID)
	if err != nil {
		return nil, err
	}
	if !applied {
		payload := reconcileResult(false, cleared, "already on hold or not eligible")
		payload["results"] = results
		return payload, nil
	}
	payload := reconcileResult(true, cleared, "")
	payload["results"] = results
	return payload, nil
}

// isSameSession reports whether the caller belongs to the session that wrote
// the existing acknowledgments. An empty caller id is never a continuation.
func isSameSession(existing map[string]struct{}, callerSessionID string) bool {
	if callerSessionID == "" {
		return false
	}
	_, ok := existing[callerSessionID]
	return ok
}

func sessionIDs(acks []store.Acknowledgment) map[string]struct{} {
	ids := make(map[string]struct{}, len(acks))
	for _, ack := range acks {
		if ack.SessionID != "" {
			ids[ack.SessionID] = struct{}{}
		}
	}
	return ids
}

func anyFulfillable(fulfillmentOrders []shopify.FulfillmentOrder) bool {
	for _, fo := range fulfillmentOrders {
		switch fo.Status {
		case shopify.StatusOpen, shopify.StatusScheduled, shopify.StatusOnHold:
			return true
		}
	}
	return false
}

func reconcileResult(holdApplied, cleared bool, reason string) map[string]any {
	payload := map[string]any{
		"holdApplied":             holdApplied,
		"acknowledgementsCleared": cleared,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return payload
}

func firstUserError(result shopify.MutationResult) string {
	if len(result.Errors) == 0 {
		return "rejected"
	}
	return result.Errors[0].Message
}

package app

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"testing"
	"time"

	"notegate/api/internal/shopify"
	"notegate/api/internal/store"
)

func notedStore() *fakeStore {
	return &fakeStore{
		countNotesForProductsFn: func(context.Context, string, []string) (int, error) { return 1, nil },
	}
}

func TestCheckHoldAppliesWhenUnacknowledged(t *testing.T) {
	gw := &fakeGateway{fulfillmentOrders: []shopify.FulfillmentOrder{
		{ID: "fo-open", Status: shopify.StatusOpen},
		{ID: "fo-scheduled", Status: shopify.StatusScheduled},
		{ID: "fo-closed", Status: shopify.StatusClosed},
	}}
	svc := newTestService(notedStore(), nil, gw)

	payload, err := svc.CheckHold(context.Background(), testShop, "order-1", []string{"prod-1"}, "s1")
	if err != nil {
		t.Fatalf("CheckHold failed: %v", err)
	}
	if !payload["holdApplied"].(bool) {
		t.Fatalf("expected holdApplied=true, got %v", payload)
	}
	if payload["acknowledgementsCleared"].(bool) {
		t.Fatalf("expected no acknowledgments cleared on first view")
	}
	if gw.statusOf("fo-open") != shopify.StatusOnHold || gw.statusOf("fo-scheduled") != shopify.StatusOnHold {
		t.Fatalf("expected OPEN and SCHEDULED fulfillment orders on hold")
	}
	if gw.statusOf("fo-closed") != shopify.StatusClosed {
		t.Fatalf("closed fulfillment order must be untouched")
	}
	if len(gw.orderNotes) != 1 || !strings.Contains(gw.orderNotes[0], advisoryNoteMarker) {
		t.Fatalf("expected advisory note on the order, got %v", gw.orderNotes)
	}
}

func TestCheckHoldNoHoldNeeded(t *testing.T) {
	gw := &fakeGateway{fulfillmentOrders: []shopify.FulfillmentOrder{{ID: "fo-1", Status: shopify.StatusOpen}}}

	// blockFulfillment off
	st := notedStore()
	st.getSettingsFn = func(_ context.Context, shopDomain string) (store.Settings, error) {
		return store.Settings{ShopDomain: shopDomain, BlockFulfillment: false}, nil
	}
	svc := newTestService(st, nil, gw)
	payload, err := svc.CheckHold(context.Background(), testShop, "order-1", []string{"prod-1"}, "s1")
	if err != nil {
		t.Fatalf("CheckHold failed: %v", err)
	}
	if payload["holdApplied"].(bool) || payload["reason"] != "no hold needed" {
		t.Fatalf("expected no-op when blockFulfillment is off, got %v", payload)
	}

	// no notes on the products
	svc = newTestService(&fakeStore{}, nil, gw)
	payload, err = svc.CheckHold(context.Background(), testShop, "order-1", []string{"prod-1"}, "s1")
	if err != nil {
		t.Fatalf("CheckHold failed: %v", err)
	}
	if payload["holdApplied"].(bool) {
		t.Fatalf("expected no-op when products have no notes, got %v", payload)
	}
	if len(gw.holdCalls) != 0 {
		t.Fatalf("expected no remote mutation, got %v", gw.holdCalls)
	}
}

func TestCheckHoldSkipsFinishedOrders(t *testing.T) {
	gw := &fakeGateway{fulfillmentOrders: []shopify.FulfillmentOrder{
		{ID: "fo-1", Status: shopify.StatusClosed},
		{ID: "fo-2", Status: shopify.StatusCancelled},
	}}
	cleared := false
	st := notedStore()
	st.clearAcknowledgmentsFn = func(context.Context, string, string) (int, error) {
		cleared = true
		return 0, nil
	}
	svc := newTestService(st, nil, gw)

	payload, err := svc.CheckHold(context.Background(), testShop, "order-1", []string{"prod-1"}, "s1")
	if err != nil {
		t.Fatalf("CheckHold failed: %v", err)
	}
	if payload["holdApplied"].(bool) || payload["reason"] != "order not fulfillable" {
		t.Fatalf("expected finished order to be left alone, got %v", payload)
	}
	if cleared || len(gw.holdCalls) != 0 {
		t.Fatalf("finished order must not be mutated or have acknowledgments cleared")
	}
}

func TestCheckHoldSessionContinuation(t *testing.T) {
	gw := &fakeGateway{fulfillmentOrders: []shopify.FulfillmentOrder{{ID: "fo-1", Status: shopify.StatusOnHold}}}
	cleared := false
	st := notedStore()
	st.listAcknowledgmentsFn = func(context.Context, string, string) ([]store.Acknowledgment, error) {
		return []store.Acknowledgment{{OrderID: "order-1", NoteID: "note-1", SessionID: "s1"}}, nil
	}
	st.clearAcknowledgmentsFn = func(context.Context, string, string) (int, error) {
		cleared = true
		return 1, nil
	}
	svc := newTestService(st, nil, gw)

	payload, err := svc.CheckHold(context.Background(), testShop, "order-1", []string{"prod-1"}, "s1")
	if err != nil {
		t.Fatalf("CheckHold failed: %v", err)
	}
	if payload["holdApplied"].(bool) || payload["acknowledgementsCleared"].(bool) {
		t.Fatalf("same session must be a no-op, got %v", payload)
	}
	if cleared {
		t.Fatalf("same session must not clear acknowledgments")
	}
	if len(gw.holdCalls) != 0 {
		t.Fatalf("same session must not re-hold, got %v", gw.holdCalls)
	}
}

func TestCheckHoldNewSessionClearsAndReholds(t *testing.T) {
	gw := &fakeGateway{fulfillmentOrders: []shopify.FulfillmentOrder{{ID: "fo-1", Status: shopify.StatusOpen}}}
	cleared := 0
	st := notedStore()
	st.listAcknowledgmentsFn = func(context.Context, string, string) ([]store.Acknowledgment, error) {
		return []store.Acknowledgment{{OrderID: "order-1", NoteID: "note-1", SessionID: "s1"}}, nil
	}
	st.clearAcknowledgmentsFn = func(context.Context, string, string) (int, error) {
		cleared++
		return 1, nil
	}
	svc := newTestService(st, nil, gw)

	payload, err := svc.CheckHold(context.Background(), testShop, "order-1", []string{"prod-1"}, "s2")
	if err != nil {
		t.Fatalf("CheckHold failed: %v", err)
	}
	if !payload["acknowledgementsCleared"].(bool) {
		t.Fatalf("new session must clear previous acknowledgments, got %v", payload)
	}
	if !payload["holdApplied"].(bool) {
		t.Fatalf("new session must re-apply the hold, got %v", payload)
	}
	if cleared != 1 {
		t.Fatalf("expected exactly one clear, got %d", cleared)
	}
	if gw.statusOf("fo-1") != shopify.StatusOnHold {
		t.Fatalf("expected fulfillment order on hold")
	}
}

func TestCheckHoldAlreadyOnHold(t *testing.T) {
	gw := &fakeGateway{fulfillmentOrders: []shopify.FulfillmentOrder{{ID: "fo-1", Status: shopify.StatusOnHold}}}
	svc := newTestService(notedStore(), nil, gw)

	payload, err := svc.CheckHold(context.Background(), testShop, "order-1", []string{"prod-1"}, "s1")
	if err != nil {
		t.Fatalf("CheckHold failed: %v", err)
	}
	if payload["holdApplied"].(bool) {
		t.Fatalf("expected holdApplied=false when nothing is actionable")
	}
	if payload["reason"] != "already on hold or not eligible" {
		t.Fatalf("unexpected reason %v", payload["reason"])
	}
	// Advisory note still attached if it went missing
	if len(gw.orderNotes) != 1 {
		t.Fatalf("expected advisory note to be ensured, got %v", gw.orderNotes)
	}
}

func TestReleaseHoldRefusesWhenPending(t *testing.T) {
	gw := &fakeGateway{fulfillmentOrders: []shopify.FulfillmentOrder{{ID: "fo-1", Status: shopify.StatusOnHold}}}
	st := notedStore()
	st.allAcknowledgedFn = func(context.Context, string, string, []string) (bool, error) {
		return false, nil
	}
	az := &fakeAuthz{}
	svc := newTestService(st, az, gw)

	_, err := svc.ReleaseHold(context.Background(), testShop, "order-1", []string{"prod-1"})
	expectDomainError(t, err, http.StatusForbidden, "HOLD_NOT_SATISFIED")
	if len(gw.releaseCalls) != 0 {
		t.Fatalf("policy refusal must not issue remote mutations, got %v", gw.releaseCalls)
	}
	if az.authorizeCalls != 0 {
		t.Fatalf("policy refusal must not mint an authorization")
	}
}

func TestReleaseHoldReleasesOnlyHeldOrders(t *testing.T) {
	gw := &fakeGateway{
		fulfillmentOrders: []shopify.FulfillmentOrder{
			{ID: "fo-held", Status: shopify.StatusOnHold},
			{ID: "fo-open", Status: shopify.StatusOpen},
			{ID: "fo-closed", Status: shopify.StatusClosed},
		},
		orderNotes: []string{advisoryNoteText},
	}
	az := &fakeAuthz{}
	svc := newTestService(notedStore(), az, gw)

	payload, err := svc.ReleaseHold(context.Background(), testShop, "order-1", []string{"prod-1"})
	if err != nil {
		t.Fatalf("ReleaseHold failed: %v", err)
	}
	if !payload["success"].(bool) || !payload["holdReleased"].(bool) {
		t.Fatalf("expected successful release, got %v", payload)
	}
	if len(gw.releaseCalls) != 1 || gw.releaseCalls[0] != "fo-held" {
		t.Fatalf("expected only the held fulfillment order to be released, got %v", gw.releaseCalls)
	}
	if az.authorizeCalls != 1 {
		t.Fatalf("expected a release authorization to be minted, got %d", az.authorizeCalls)
	}
	authorized, _ := az.IsAuthorized(context.Background(), testShop.ShopDomain, "order-1")
	if !authorized {
		t.Fatalf("expected a live release authorization for the order")
	}
	if len(gw.orderNotes) != 0 {
		t.Fatalf("expected advisory note removed after release, got %v", gw.orderNotes)
	}

	results := payload["results"].([]HoldItemResult)
	if len(results) != 3 {
		t.Fatalf("expected one result per fulfillment order, got %v", results)
	}
	for _, result := range results {
		switch result.ID {
		case "fo-held":
			if result.Outcome != outcomeOK {
				t.Errorf("fo-held: expected ok, got %s", result.Outcome)
			}
		default:
			if result.Outcome != outcomeSkipped {
				t.Errorf("%s: expected skipped, got %s", result.ID, result.Outcome)
			}
		}
	}
}

func TestReleaseHoldPartialFailure(t *testing.T) {
	gw := &fakeGateway{
		fulfillmentOrders: []shopify.FulfillmentOrder{
			{ID: "fo-1", Status: shopify.StatusOnHold},
			{ID: "fo-2", Status: shopify.StatusOnHold},
		},
	}
	gw.releaseFn = func(id string) (shopify.MutationResult, error) {
		if id == "fo-2" {
			return shopify.MutationResult{Errors: []shopify.UserError{{Message: "Fulfillment order cannot be released"}}}, nil
		}
		gw.setStatus(id, shopify.StatusOpen)
		return shopify.MutationResult{OK: true}, nil
	}
	svc := newTestService(notedStore(), nil, gw)

	payload, err := svc.ReleaseHold(context.Background(), testShop, "order-1", []string{"prod-1"})
	if err != nil {
		t.Fatalf("ReleaseHold failed: %v", err)
	}
	if payload["success"].(bool) {
		t.Fatalf("expected aggregate success=false on partial failure")
	}
	if !payload["holdReleased"].(bool) {
		t.Fatalf("expected holdReleased=true for the item that did release")
	}
	results := payload["results"].([]HoldItemResult)
	var failed *HoldItemResult
	for i := range results {
		if results[i].Outcome == outcomeFailed {
			failed = &results[i]
		}
	}
	if failed == nil || failed.Reason != "Fulfillment order cannot be released" {
		t.Fatalf("expected per-item failure detail, got %v", results)
	}
}

func TestApplyHoldPartialFailureContinues(t *testing.T) {
	gw := &fakeGateway{
		fulfillmentOrders: []shopify.FulfillmentOrder{
			{ID: "fo-1", Status: shopify.StatusOpen},
			{ID: "fo-2", Status: shopify.StatusOpen},
		},
	}
	gw.holdFn = func(id string) (shopify.MutationResult, error) {
		if id == "fo-1" {
			return shopify.MutationResult{Errors: []shopify.UserError{{Message: "throttled"}}}, nil
		}
		gw.setStatus(id, shopify.StatusOnHold)
		return shopify.MutationResult{OK: true}, nil
	}
	svc := newTestService(notedStore(), nil, gw)

	payload, err := svc.CheckHold(context.Background(), testShop, "order-1", []string{"prod-1"}, "s1")
	if err != nil {
		t.Fatalf("CheckHold failed: %v", err)
	}
	if !payload["holdApplied"].(bool) {
		t.Fatalf("one failed item must not abort the rest, got %v", payload)
	}
	if len(gw.holdCalls) != 2 {
		t.Fatalf("expected both fulfillment orders attempted, got %v", gw.holdCalls)
	}
	if gw.statusOf("fo-2") != shopify.StatusOnHold {
		t.Fatalf("expected the second fulfillment order on hold")
	}
}

func TestIsSameSession(t *testing.T) {
	existing := map[string]struct{}{"s1": {}, "s2": {}}
	if !isSameSession(existing, "s1") {
		t.Fatalf("expected membership to count as the same session")
	}
	if isSameSession(existing, "s3") {
		t.Fatalf("expected unknown session id to be a new viewer")
	}
	if isSameSession(existing, "") {
		t.Fatalf("empty session id must never be a continuation")
	}
	if isSameSession(map[string]struct{}{}, "s1") {
		t.Fatalf("no prior sessions means no continuation")
	}
}

// Full flow: two products, one note each, one OPEN fulfillment order. A viewer
// opens the order, acknowledges both notes, and the hold is released.
func TestAcknowledgeThenReleaseFlow(t *testing.T) {
	notes := map[string]store.Note{
		"note-1": {ID: "note-1", ShopDomain: testShop.ShopDomain, ProductID: "prod-1", Content: "check expiry date"},
		"note-2": {ID: "note-2", ShopDomain: testShop.ShopDomain, ProductID: "prod-2", Content: "include manual"},
	}
	acks := map[string]store.Acknowledgment{}

	st := &fakeStore{
		countNotesForProductsFn: func(_ context.Context, _ string, productIDs []string) (int, error) {
			count := 0
			for _, note := range notes {
				for _, productID := range productIDs {
					if note.ProductID == productID {
						count++
					}
				}
			}
			return count, nil
		},
		getNoteFn: func(_ context.Context, _, noteID string) (store.Note, error) {
			note, ok := notes[noteID]
			if !ok {
				return store.Note{}, sql.ErrNoRows
			}
			return note, nil
		},
		upsertAcknowledgmentFn: func(_ context.Context, ack store.Acknowledgment) (store.Acknowledgment, error) {
			ack.AcknowledgedAt = time.Now()
			acks[ack.OrderID+"/"+ack.NoteID] = ack
			return ack, nil
		},
		listAcknowledgmentsFn: func(_ context.Context, _, orderID string) ([]store.Acknowledgment, error) {
			out := make([]store.Acknowledgment, 0, len(acks))
			for _, ack := range acks {
				if ack.OrderID == orderID {
					out = append(out, ack)
				}
			}
			return out, nil
		},
		allAcknowledgedFn: func(_ context.Context, _, orderID string, productIDs []string) (bool, error) {
			for _, note := range notes {
				onOrder := false
				for _, productID := range productIDs {
					if note.ProductID == productID {
						onOrder = true
					}
				}
				if !onOrder {
					continue
				}
				if _, ok := acks[orderID+"/"+note.ID]; !ok {
					return false, nil
				}
			}
			return true, nil
		},
	}
	gw := &fakeGateway{fulfillmentOrders: []shopify.FulfillmentOrder{{ID: "fo-1", Status: shopify.StatusOpen}}}
	az := &fakeAuthz{}
	svc := newTestService(st, az, gw)
	ctx := context.Background()
	allProducts := []string{"prod-1", "prod-2"}

	// Viewer opens the order: hold goes on.
	payload, err := svc.CheckHold(ctx, testShop, "order-1", allProducts, "s1")
	if err != nil {
		t.Fatalf("CheckHold failed: %v", err)
	}
	if !payload["holdApplied"].(bool) {
		t.Fatalf("expected initial hold, got %v", payload)
	}
	if gw.statusOf("fo-1") != shopify.StatusOnHold {
		t.Fatalf("expected fulfillment order ON_HOLD")
	}

	// First acknowledgment: not complete yet, hold stays.
	payload, err = svc.Acknowledge(ctx, testShop, AcknowledgeInput{
		OrderID: "order-1", NoteID: "note-1", SessionID: "s1", AllProductIDs: allProducts,
	})
	if err != nil {
		t.Fatalf("first Acknowledge failed: %v", err)
	}
	if payload["allAcknowledged"].(bool) || payload["holdReleased"].(bool) {
		t.Fatalf("expected pending state after first acknowledgment, got %v", payload)
	}
	if gw.statusOf("fo-1") != shopify.StatusOnHold {
		t.Fatalf("hold must stay while a note is pending")
	}

	// Re-render of the same session: nothing changes.
	payload, err = svc.CheckHold(ctx, testShop, "order-1", allProducts, "s1")
	if err != nil {
		t.Fatalf("CheckHold failed: %v", err)
	}
	if payload["holdApplied"].(bool) || payload["acknowledgementsCleared"].(bool) {
		t.Fatalf("same-session re-render must be a no-op, got %v", payload)
	}
	if len(acks) != 1 {
		t.Fatalf("expected the acknowledgment to survive a same-session view")
	}

	// Second acknowledgment completes the set and releases the hold.
	payload, err = svc.Acknowledge(ctx, testShop, AcknowledgeInput{
		OrderID: "order-1", NoteID: "note-2", SessionID: "s1", AllProductIDs: allProducts,
	})
	if err != nil {
		t.Fatalf("second Acknowledge failed: %v", err)
	}
	if !payload["allAcknowledged"].(bool) {
		t.Fatalf("expected allAcknowledged=true, got %v", payload)
	}
	if !payload["holdReleased"].(bool) {
		t.Fatalf("expected holdReleased=true, got %v", payload)
	}
	if gw.statusOf("fo-1") == shopify.StatusOnHold {
		t.Fatalf("expected fulfillment order released")
	}
	if az.authorizeCalls != 1 {
		t.Fatalf("expected exactly one release authorization, got %d", az.authorizeCalls)
	}
}

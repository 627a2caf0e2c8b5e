// Package shopify is the gateway to the Shopify Admin GraphQL API. Business
// failures come back as a userErrors list on the mutation result rather than
// as Go errors; transport and top-level GraphQL errors are Go errors.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fulfillment order statuses as reported by the Admin API.
const (
	StatusOpen       = "OPEN"
	StatusScheduled  = "SCHEDULED"
	StatusOnHold     = "ON_HOLD"
	StatusClosed     = "CLOSED"
	StatusCancelled  = "CANCELLED"
	StatusIncomplete = "INCOMPLETE"
)

type FulfillmentOrder struct {
	ID     string
	Status string
}

type UserError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

// MutationResult reports one remote mutation: OK is true iff the userErrors
// list is empty.
type MutationResult struct {
	OK     bool
	Errors []UserError
}

type Subscription struct {
	Name   string
	Status string
}

type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiVersion  string
	accessToken string
}

func New(shopDomain, accessToken, apiVersion string) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		baseURL:     "https://" + shopDomain,
		apiVersion:  apiVersion,
		accessToken: accessToken,
	}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) execute(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}

	url := fmt.Sprintf("%s/admin/api/%s/graphql.json", c.baseURL, c.apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute graphql request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read graphql response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graphql status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var envelope graphqlResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode graphql data: %w", err)
		}
	}
	return nil
}

const getFulfillmentOrdersQuery = `
query ($orderId: ID!) {
  order(id: $orderId) {
    fulfillmentOrders(first: 50) {
      nodes { id status }
    }
  }
}`

func (c *Client) GetFulfillmentOrders(ctx context.Context, orderID string) ([]FulfillmentOrder, error) {
	var data struct {
		Order *struct {
			FulfillmentOrders struct {
				Nodes []struct {
					ID     string `json:"id"`
					Status string `json:"status"`
				} `json:"nodes"`
			} `json:"fulfillmentOrders"`
		} `json:"order"`
	}
	if err := c.execute(ctx, getFulfillmentOrdersQuery, map[string]any{"orderId": orderID}, &data); err != nil {
		return nil, err
	}
	if data.Order == nil {
		return []FulfillmentOrder{}, nil
	}
	items := make([]FulfillmentOrder, 0, len(data.Order.FulfillmentOrders.Nodes))
	for _, node := range data.Order.FulfillmentOrders.Nodes {
		items = append(items, FulfillmentOrder{ID: node.ID, Status: node.Status})
	}
	return items, nil
}

const holdFulfillmentOrderMutation = `
mutation ($id: ID!, $reason: FulfillmentHoldReason!, $reasonNotes: String, $notify: Boolean) {
  fulfillmentOrderHold(id: $id, fulfillmentHold: {reason: $reason, reasonNotes: $reasonNotes, notifyMerchant: $notify}) {
    fulfillmentOrder { id status }
    userErrors { field message }
  }
}`

func (c *Client) HoldFulfillmentOrder(ctx context.Context, fulfillmentOrderID, reason, note string, notify bool) (MutationResult, error) {
	var data struct {
		FulfillmentOrderHold struct {
			UserErrors []UserError `json:"userErrors"`
		} `json:"fulfillmentOrderHold"`
	}
	err := c.execute(ctx, holdFulfillmentOrderMutation, map[string]any{
		"id":          fulfillmentOrderID,
		"reason":      reason,
		"reasonNotes": note,
		"notify":      notify,
	}, &data)
	if err != nil {
		return MutationResult{}, err
	}
	return MutationResult{
		OK:     len(data.FulfillmentOrderHold.UserErrors) == 0,
		Errors: data.FulfillmentOrderHold.UserErrors,
	}, nil
}

const releaseFulfillmentOrderHoldMutation = `
mutation ($id: ID!) {
  fulfillmentOrderReleaseHold(id: $id) {
    fulfillmentOrder { id status }
    userErrors { field message }
  }
}`

func (c *Client) ReleaseFulfillmentOrderHold(ctx context.Context, fulfillmentOrderID string) (MutationResult, error) {
	var data struct {
		FulfillmentOrderReleaseHold struct {
			UserErrors []UserError `json:"userErrors"`
		} `json:"fulfillmentOrderReleaseHold"`
	}
	err := c.execute(ctx, releaseFulfillmentOrderHoldMutation, map[string]any{"id": fulfillmentOrderID}, &data)
	if err != nil {
		return MutationResult{}, err
	}
	return MutationResult{
		OK:     len(data.FulfillmentOrderReleaseHold.UserErrors) == 0,
		Errors: data.FulfillmentOrderReleaseHold.UserErrors,
	}, nil
}

const orderLineItemsQuery = `
query ($orderId: ID!) {
  order(id: $orderId) {
    lineItems(first: 100) {
      nodes { product { id } }
    }
  }
}`

func (c *Client) OrderLineItemProductIDs(ctx context.Context, orderID string) ([]string, error) {
	var data struct {
		Order *struct {
			LineItems struct {
				Nodes []struct {
					Product *struct {
						ID string `json:"id"`
					} `json:"product"`
				} `json:"nodes"`
			} `json:"lineItems"`
		} `json:"order"`
	}
	if err := c.execute(ctx, orderLineItemsQuery, map[string]any{"orderId": orderID}, &data); err != nil {
		return nil, err
	}
	if data.Order == nil {
		return []string{}, nil
	}
	seen := make(map[string]struct{})
	ids := make([]string, 0, len(data.Order.LineItems.Nodes))
	for _, node := range data.Order.LineItems.Nodes {
		if node.Product == nil || node.Product.ID == "" {
			continue
		}
		if _, ok := seen[node.Product.ID]; ok {
			continue
		}
		seen[node.Product.ID] = struct{}{}
		ids = append(ids, node.Product.ID)
	}
	return ids, nil
}

const getOrderNoteQuery = `
query ($orderId: ID!) {
  order(id: $orderId) { note }
}`

const updateOrderNoteMutation = `
mutation ($input: OrderInput!) {
  orderUpdate(input: $input) {
    order { id }
    userErrors { field message }
  }
}`

func (c *Client) getOrderNote(ctx context.Context, orderID string) (string, error) {
	var data struct {
		Order *struct {
			Note string `json:"note"`
		} `json:"order"`
	}
	if err := c.execute(ctx, getOrderNoteQuery, map[string]any{"orderId": orderID}, &data); err != nil {
		return "", err
	}
	if data.Order == nil {
		return "", nil
	}
	return data.Order.Note, nil
}

func (c *Client) setOrderNote(ctx context.Context, orderID, note string) error {
	var data struct {
		OrderUpdate struct {
			UserErrors []UserError `json:"userErrors"`
		} `json:"orderUpdate"`
	}
	err := c.execute(ctx, updateOrderNoteMutation, map[string]any{
		"input": map[string]any{"id": orderID, "note": note},
	}, &data)
	if err != nil {
		return err
	}
	if len(data.OrderUpdate.UserErrors) > 0 {
		return fmt.Errorf("order note update rejected: %s", data.OrderUpdate.UserErrors[0].Message)
	}
	return nil
}

// AddOrderNote appends an advisory line to the order's note attribute. Lines
// already present are not duplicated.
func (c *Client) AddOrderNote(ctx context.Context, orderID, text string) error {
	current, err := c.getOrderNote(ctx, orderID)
	if err != nil {
		return err
	}
	if strings.Contains(current, text) {
		return nil
	}
	next := text
	if strings.TrimSpace(current) != "" {
		next = current + "\n" + text
	}
	return c.setOrderNote(ctx, orderID, next)
}

// RemoveOrderNoteMatching strips every note line containing the marker.
func (c *Client) RemoveOrderNoteMatching(ctx context.Context, orderID, marker string) error {
	current, err := c.getOrderNote(ctx, orderID)
	if err != nil {
		return err
	}
	if !strings.Contains(current, marker) {
		return nil
	}
	lines := strings.Split(current, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.Contains(line, marker) {
			continue
		}
		kept = append(kept, line)
	}
	return c.setOrderNote(ctx, orderID, strings.TrimSpace(strings.Join(kept, "\n")))
}

const productCountQuery = `
query { productsCount { count } }`

func (c *Client) ProductCount(ctx context.Context) (int, error) {
	var data struct {
		ProductsCount struct {
			Count int `json:"count"`
		} `json:"productsCount"`
	}
	if err := c.execute(ctx, productCountQuery, nil, &data); err != nil {
		return 0, err
	}
	return data.ProductsCount.Count, nil
}

const subscriptionStatusQuery = `
query {
  currentAppInstallation {
    activeSubscriptions { name status }
  }
}`

func (c *Client) SubscriptionStatus(ctx context.Context) (Subscription, error) {
	var data struct {
		CurrentAppInstallation struct {
			ActiveSubscriptions []struct {
				Name   string `json:"name"`
				Status string `json:"status"`
			} `json:"activeSubscriptions"`
		} `json:"currentAppInstallation"`
	}
	if err := c.execute(ctx, subscriptionStatusQuery, nil, &data); err != nil {
		return Subscription{}, err
	}
	subs := data.CurrentAppInstallation.ActiveSubscriptions
	if len(subs) == 0 {
		return Subscription{Name: "free", Status: "NONE"}, nil
	}
	return Subscription{Name: subs[0].Name, Status: subs[0].Status}, nil
}

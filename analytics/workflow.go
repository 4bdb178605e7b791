package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Analyze submits a field descriptor for processing with the given index.
func (c *Client) Analyze(ctx context.Context, orderID int64, indexName string, payload json.RawMessage) (*AnalyzeResponse, error) {
	req := struct {
		IndexName string          `json:"indexName"`
		Payload   json.RawMessage `json:"payload"`
	}{indexName, payload}
	var resp struct {
		InputID InputID   `json:"inputId"`
		Output  rawOutput `json:"output"`
	}
	if err := c.post(ctx, fmt.Sprintf("/orders/%d/analyze", orderID), req, &resp); err != nil {
		return nil, err
	}
	return &AnalyzeResponse{InputID: resp.InputID, Result: resp.Output.decode()}, nil
}

// Merge joins two plots of an analysis and returns the two redrawn images.
func (c *Client) Merge(ctx context.Context, inputID InputID, plot1, plot2 string) (map[string]string, error) {
	req := struct {
		InputID InputID `json:"inputId"`
		PlotID1 string  `json:"plotId1"`
		PlotID2 string  `json:"plotId2"`
	}{inputID, plot1, plot2}
	var resp struct {
		Output map[string]*string `json:"output"`
	}
	if err := c.post(ctx, "/analytics/merge", req, &resp); err != nil {
		return nil, err
	}
	images := make(map[string]string, 2)
	for _, key := range []string{ImageAreas, ImageIndexWithBounds} {
		if v := resp.Output[key]; v != nil {
			if img := NormalizeImage(*v); img != "" {
				images[key] = img
			}
		}
	}
	return images, nil
}

// Final requests route planning for the compacted drone assignment.
func (c *Client) Final(ctx context.Context, req FinalRequest) (*Result, error) {
	var resp struct {
		Output rawOutput `json:"output"`
	}
	if err := c.post(ctx, "/analytics/final", req, &resp); err != nil {
		return nil, err
	}
	return resp.Output.decode(), nil
}

// FetchResult loads the last stored result for an input.
func (c *Client) FetchResult(ctx context.Context, inputID InputID) (*Result, error) {
	var resp rawOutput
	if err := c.get(ctx, "/analytics/results/"+url.PathEscape(string(inputID)), &resp); err != nil {
		return nil, err
	}
	return resp.decode(), nil
}

// ListOrders returns the operator's current work orders.
func (c *Client) ListOrders(ctx context.Context) ([]WorkOrder, error) {
	var orders []WorkOrder
	if err := c.get(ctx, "/operator/orders", &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// ListDrones returns the available drone roster.
func (c *Client) ListDrones(ctx context.Context) ([]Drone, error) {
	var drones []Drone
	if err := c.get(ctx, "/drones", &drones); err != nil {
		return nil, err
	}
	return drones, nil
}

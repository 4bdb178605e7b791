package analytics

import (
	"context"
	"fmt"
)

// ListFields returns all fields visible to the caller.
func (c *Client) ListFields(ctx context.Context) ([]Field, error) {
	var fields []Field
	if err := c.get(ctx, "/fields", &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// CreateField registers a new field. The field starts inactive.
func (c *Client) CreateField(ctx context.Context, req FieldRequest) (*Field, error) {
	var f Field
	if err := c.post(ctx, "/fields", req, &f); err != nil {
		return nil, err
	}
	if f.ID == 0 {
		return nil, fmt.Errorf("analytics create field: response has no id")
	}
	return &f, nil
}

// ActivateField makes a field available for work orders.
func (c *Client) ActivateField(ctx context.Context, id int64) error {
	return c.post(ctx, fmt.Sprintf("/fields/%d/activate", id), nil, nil)
}

// DeleteField removes a field.
func (c *Client) DeleteField(ctx context.Context, id int64) error {
	return c.delete(ctx, fmt.Sprintf("/fields/%d", id))
}

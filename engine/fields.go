package engine

import (
	"context"
	"fmt"
	"strings"

	"agroops/analytics"
	"agroops/workflow"
)

// FieldView is a field as shown to operators, numbered by its local id.
type FieldView struct {
	analytics.Field
	LocalID   int    `json:"localId,omitempty"`
	DisplayID string `json:"displayId"`
}

// StepError is one failed step of a multi-step operation.
type StepError struct {
	Step string
	Err  error
}

// PartialError reports an operation whose earlier steps took effect and were
// not rolled back.
type PartialError struct {
	Op     string
	Done   []string
	Failed []StepError
}

func (e *PartialError) Error() string {
	msgs := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		msgs = append(msgs, fmt.Sprintf("%s: %v", f.Step, f.Err))
	}
	return fmt.Sprintf("%s partially applied (done: %s); failed: %s",
		e.Op, strings.Join(e.Done, ", "), strings.Join(msgs, "; "))
}

func (e *PartialError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

func (e *Engine) view(f analytics.Field) FieldView {
	v := FieldView{Field: f, DisplayID: e.fields.DisplayID(f.ID)}
	if l, ok := e.fields.LocalID(f.ID); ok {
		v.LocalID = l
	}
	return v
}

// SyncFields reconciles the local numbering with the remote field list.
func (e *Engine) SyncFields(ctx context.Context) ([]FieldView, error) {
	fields, err := e.api.ListFields(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		ids = append(ids, f.ID)
	}
	e.fields.Sync(ids)

	out := make([]FieldView, 0, len(fields))
	for _, f := range fields {
		out = append(out, e.view(f))
	}
	return out, nil
}

// RegisterField creates a field and then activates it. When activation fails
// the created field and its local id are kept and a *PartialError is
// returned together with the field. There is no rollback of the create.
func (e *Engine) RegisterField(ctx context.Context, req analytics.FieldRequest) (*FieldView, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, &workflow.ValidationError{Field: "name", Msg: "must not be blank"}
	}
	f, err := e.api.CreateField(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create field: %w", err)
	}
	e.fields.Add(f.ID)

	var perr *PartialError
	if err := e.api.ActivateField(ctx, f.ID); err != nil {
		perr = &PartialError{
			Op:     "register field",
			Done:   []string{"create field"},
			Failed: []StepError{{Step: "activate field", Err: err}},
		}
	} else {
		f.Active = true
	}

	v := e.view(*f)
	e.Events.Emit(Event{Type: EventFieldRegistered, Payload: FieldEvent{
		FieldID: f.ID, LocalID: v.LocalID, DisplayID: v.DisplayID, Partial: perr != nil,
	}})
	if perr != nil {
		return &v, perr
	}
	e.debugFn("field registered: id=%d local=%d", f.ID, v.LocalID)
	return &v, nil
}

// DeleteField removes the field remotely and drops its local id; the other
// fields are renumbered.
func (e *Engine) DeleteField(ctx context.Context, id int64) error {
	display := e.fields.DisplayID(id)
	if err := e.api.DeleteField(ctx, id); err != nil {
		return fmt.Errorf("delete field %s: %w", display, err)
	}
	e.fields.Remove(id)
	e.Events.Emit(Event{Type: EventFieldDeleted, Payload: FieldEvent{FieldID: id, DisplayID: display}})
	return nil
}

package action

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fonpr/fonpr-agent/internal/configrepo"
	"github.com/fonpr/fonpr-agent/internal/metrics"
)

type recordingPusher struct {
	requests []configrepo.Request
	err      error
}

func (r *recordingPusher) ApplyAndPush(ctx context.Context, req configrepo.Request) error {
	r.requests = append(r.requests, req)
	return r.err
}

var catalog = []Size{
	{ID: "Large", InstanceType: "m4.xlarge"},
	{ID: "Small", InstanceType: "t3.medium"},
}

func newEffector(t *testing.T, p Pusher, sizes []Size) *Effector {
	t.Helper()
	e, err := NewEffector(Config{Sizes: sizes, Resource: "upf", Pusher: p})
	if err != nil {
		t.Fatalf("NewEffector: %v", err)
	}
	return e
}

func TestActionString(t *testing.T) {
	tests := map[Action]string{NoOp: "noop", Resize(0): "resize_0", Resize(1): "resize_1"}
	for a, want := range tests {
		if got := a.String(); got != want {
			t.Errorf("Action(%d).String() = %q, want %q", int(a), got, want)
		}
	}
}

func TestApply_NoOp(t *testing.T) {
	p := &recordingPusher{}
	e := newEffector(t, p, catalog)

	if err := e.Apply(context.Background(), NoOp); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(p.requests) != 0 {
		t.Errorf("no-op should not touch the repository, got %v", p.requests)
	}
	if _, ok := e.Requested(); ok {
		t.Error("no-op should not set the requested size")
	}
}

func TestApply_Resize(t *testing.T) {
	p := &recordingPusher{}
	e := newEffector(t, p, catalog)

	if err := e.Apply(context.Background(), Resize(0)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(p.requests) != 1 {
		t.Fatalf("expected exactly one push, got %d", len(p.requests))
	}
	want := configrepo.ResizeRequest{Resource: "upf", Size: "Large"}
	if p.requests[0] != want {
		t.Errorf("request = %#v, want %#v", p.requests[0], want)
	}
	got, ok := e.Requested()
	if !ok || got.ID != "Large" {
		t.Errorf("Requested() = %+v, %v", got, ok)
	}
	if v := testutil.ToFloat64(metrics.RequestedSize.WithLabelValues("Large")); v != 1 {
		t.Errorf("requested_size{Large} = %v", v)
	}
	if v := testutil.ToFloat64(metrics.RequestedSize.WithLabelValues("Small")); v != 0 {
		t.Errorf("requested_size{Small} = %v", v)
	}
}

func TestApply_LimitsRequest(t *testing.T) {
	p := &recordingPusher{}
	sizes := []Size{{
		ID:           "Large",
		InstanceType: "m4.xlarge",
		Requests:     &configrepo.ResourceSpec{CPU: "2", Memory: "8Gi"},
		Limits:       &configrepo.ResourceSpec{CPU: "4", Memory: "16Gi"},
	}}
	e := newEffector(t, p, sizes)

	if err := e.Apply(context.Background(), Resize(0)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	req, ok := p.requests[0].(configrepo.LimitsRequest)
	if !ok {
		t.Fatalf("expected LimitsRequest, got %T", p.requests[0])
	}
	if req.Resource != "upf" || req.Limits.Memory != "16Gi" || req.Requests.CPU != "2" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestApply_PushFailureKeepsState(t *testing.T) {
	p := &recordingPusher{}
	e := newEffector(t, p, catalog)
	if err := e.Apply(context.Background(), Resize(1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	boom := errors.New("409 sha mismatch")
	p.err = boom
	err := e.Apply(context.Background(), Resize(0))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped push error, got %v", err)
	}
	if len(p.requests) != 2 {
		t.Errorf("failed push must not be retried, pushes=%d", len(p.requests))
	}
	got, _ := e.Requested()
	if got.ID != "Small" {
		t.Errorf("requested size changed on failure: %+v", got)
	}
}

func TestApply_InvalidAction(t *testing.T) {
	p := &recordingPusher{}
	e := newEffector(t, p, catalog)

	for _, a := range []Action{-1, 3, 99} {
		if err := e.Apply(context.Background(), a); !errors.Is(err, ErrInvalidAction) {
			t.Errorf("Apply(%d) = %v, want ErrInvalidAction", a, err)
		}
	}
	if len(p.requests) != 0 {
		t.Errorf("invalid actions must not push, got %d", len(p.requests))
	}
	if e.NumActions() != 3 {
		t.Errorf("NumActions = %d, want 3", e.NumActions())
	}
}

func TestNewEffector_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no sizes", cfg: Config{Resource: "upf", Pusher: &recordingPusher{}}},
		{name: "no resource", cfg: Config{Sizes: catalog, Pusher: &recordingPusher{}}},
		{name: "no pusher", cfg: Config{Sizes: catalog, Resource: "upf"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEffector(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

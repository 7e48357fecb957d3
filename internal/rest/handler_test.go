package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/agentpay/internal/session"
)

type fakeSettlement struct {
	last *structpb.Struct
	resp map[string]interface{}
	err  error
}

func (f *fakeSettlement) reply(req *structpb.Struct) (*structpb.Struct, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return structpb.NewStruct(f.resp)
}

func (f *fakeSettlement) Ask(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return f.reply(req)
}

func (f *fakeSettlement) Purchase(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return f.reply(req)
}

func (f *fakeSettlement) TopUp(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return f.reply(req)
}

type fakeAnalytics struct {
	last *structpb.Struct
	err  error
}

func (f *fakeAnalytics) Reconcile(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return structpb.NewStruct(map[string]interface{}{"totalQueries": 3})
}

func (f *fakeAnalytics) Agent(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return structpb.NewStruct(map[string]interface{}{"agentId": req.Fields["agentId"].GetStringValue()})
}

type fakeSessions map[string]session.Record

func (f fakeSessions) Lookup(_ context.Context, id string) (session.Record, error) {
	rec, ok := f[id]
	if !ok {
		return session.Record{}, session.ErrNotFound
	}
	return rec, nil
}

func newServer(t *testing.T, s *fakeSettlement, a *fakeAnalytics, opts Options) *httptest.Server {
	t.Helper()
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	mux := http.NewServeMux()
	NewHandler(s, a, opts, zerolog.Nop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAsk(t *testing.T) {
	s := &fakeSettlement{resp: map[string]interface{}{"state": "delivered", "answer": "42"}}
	srv := newServer(t, s, &fakeAnalytics{}, Options{})

	resp, err := http.Post(srv.URL+"/v1/ask", "application/json", strings.NewReader(`{"agentId": 7, "question": "why?"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "42", decode(t, resp)["answer"])
	assert.Equal(t, float64(7), s.last.Fields["agentId"].GetNumberValue())
	assert.Equal(t, "why?", s.last.Fields["question"].GetStringValue())
}

func TestAsk_SessionOutcomes(t *testing.T) {
	tests := []struct {
		name string
		resp map[string]interface{}
		want int
	}{
		{"delivered", map[string]interface{}{"state": "delivered", "answer": "a"}, http.StatusOK},
		{"failed", map[string]interface{}{"state": "failed", "reason": "insufficient_funds"}, http.StatusUnprocessableEntity},
		{"degraded", map[string]interface{}{"state": "delivered", "degraded": true, "proof": "0xabc"}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, &fakeSettlement{resp: tt.resp}, &fakeAnalytics{}, Options{})
			resp, err := http.Post(srv.URL+"/v1/ask", "application/json", strings.NewReader(`{}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, tt.resp["state"], decode(t, resp)["state"])
		})
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", status.Error(codes.InvalidArgument, "question is required"), http.StatusBadRequest},
		{"busy", status.Error(codes.Aborted, "session already in flight"), http.StatusConflict},
		{"not ready", status.Error(codes.Unavailable, "not ready"), http.StatusServiceUnavailable},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, &fakeSettlement{err: tt.err}, &fakeAnalytics{}, Options{})
			resp, err := http.Post(srv.URL+"/v1/purchase", "application/json", strings.NewReader(`{"agentId": 1}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
			body := decode(t, resp)
			assert.Equal(t, float64(tt.want), body["error"].(map[string]interface{})["code"])
		})
	}
}

func TestBadJSON(t *testing.T) {
	srv := newServer(t, &fakeSettlement{}, &fakeAnalytics{}, Options{})
	resp, err := http.Post(srv.URL+"/v1/credits", "application/json", strings.NewReader(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newServer(t, &fakeSettlement{}, &fakeAnalytics{}, Options{})
	resp, err := http.Get(srv.URL + "/v1/ask")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestAnalytics(t *testing.T) {
	a := &fakeAnalytics{}
	srv := newServer(t, &fakeSettlement{}, a, Options{})

	resp, err := http.Get(srv.URL + "/v1/analytics?agent=1&agent=2&creator=0x00000000000000000000000000000000000000c1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), decode(t, resp)["totalQueries"])

	ids := a.last.Fields["agentIds"].GetListValue().GetValues()
	require.Len(t, ids, 2)
	assert.Equal(t, "2", ids[1].GetStringValue())
	assert.Equal(t, "0x00000000000000000000000000000000000000c1", a.last.Fields["creator"].GetStringValue())

	resp, err = http.Get(srv.URL + "/v1/agents/12")
	require.NoError(t, err)
	assert.Equal(t, "12", decode(t, resp)["agentId"])

	a.err = status.Error(codes.NotFound, "agent not found")
	resp, err = http.Get(srv.URL + "/v1/agents/404")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSessions(t *testing.T) {
	sessions := fakeSessions{"s1": {ID: "s1", State: "delivered", AgentID: 3}}
	srv := newServer(t, &fakeSettlement{}, &fakeAnalytics{}, Options{Sessions: sessions})

	resp, err := http.Get(srv.URL + "/v1/sessions/s1")
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, "delivered", body["state"])
	assert.Equal(t, "3", body["agentId"])

	resp, err = http.Get(srv.URL + "/v1/sessions/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthReadyMetrics(t *testing.T) {
	failing := errors.New("redis down")
	var down atomic.Bool
	srv := newServer(t, &fakeSettlement{}, &fakeAnalytics{}, Options{Ready: []Check{{
		Name: "redis",
		Run: func(context.Context) error {
			if down.Load() {
				return failing
			}
			return nil
		},
	}}})

	for path, want := range map[string]int{"/health": 200, "/ready": 200, "/metrics": 200} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, path)
		resp.Body.Close()
	}

	down.Store(true)
	resp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

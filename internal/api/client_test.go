package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, func() string { return "test-token" })
}

func TestJoinMatching(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/matching/join" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		var req MatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CategoryID != 3 {
			t.Errorf("body = %+v (%v)", req, err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    MatchingStatus{MatchingID: "m-1", Status: "waiting", QueuePosition: 2},
		})
	})

	st, err := c.JoinMatching(context.Background(), MatchRequest{CategoryID: 3})
	if err != nil {
		t.Fatalf("JoinMatching: %v", err)
	}
	if st.MatchingID != "m-1" || st.QueuePosition != 2 {
		t.Fatalf("status = %+v", st)
	}
}

func TestEndCallConflict(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"code":    CodeConflict,
			"message": "call already ended",
		})
	})

	err := c.EndCall(context.Background(), "c-1")
	if err == nil {
		t.Fatal("EndCall returned nil for 409")
	}
	if !IsConflict(err) {
		t.Fatalf("IsConflict(%v) = false", err)
	}
	var ae *APIError
	if !errors.As(err, &ae) || ae.Message != "call already ended" {
		t.Fatalf("err = %#v", err)
	}
}

func TestConflictByStatusWithoutCode(t *testing.T) {
	// Older gateway builds send a bare 409 without the code field.
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"success": false})
	})

	if err := c.EndCall(context.Background(), "c-1"); !IsConflict(err) {
		t.Fatalf("IsConflict(%v) = false for bare 409", err)
	}
}

func TestEnvelopeFailureWith200(t *testing.T) {
	// The gateway sometimes reports failures in-band with HTTP 200.
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"code":    CodeUnauthorized,
			"message": "token expired",
		})
	})

	err := c.CancelMatching(context.Background())
	var ae *APIError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if ae.Code != CodeUnauthorized || ae.Status != http.StatusOK {
		t.Fatalf("err = %+v", ae)
	}
}

func TestListCategories(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/categories" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    []Category{{ID: 1, Name: "music"}, {ID: 2, Name: "travel"}},
		})
	})

	cats, err := c.ListCategories(context.Background())
	if err != nil {
		t.Fatalf("ListCategories: %v", err)
	}
	if len(cats) != 2 || cats[1].Name != "travel" {
		t.Fatalf("categories = %+v", cats)
	}
}

func TestRequestFriend(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["partnerId"] != "u-2" {
			t.Errorf("partnerId = %q", body["partnerId"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    FriendRequestResult{RequestID: "fr-1", Status: "pending"},
		})
	})

	res, err := c.RequestFriend(context.Background(), "u-2")
	if err != nil {
		t.Fatalf("RequestFriend: %v", err)
	}
	if res.RequestID != "fr-1" || res.Status != "pending" {
		t.Fatalf("result = %+v", res)
	}
}

func TestCallPathsIncludeCallID(t *testing.T) {
	var paths []string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	ctx := context.Background()
	if err := c.LeaveChannel(ctx, "c-9"); err != nil {
		t.Fatalf("LeaveChannel: %v", err)
	}
	if err := c.EndCall(ctx, "c-9"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	want := []string{"/calls/c-9/channel/leave", "/calls/c-9/end"}
	for i, p := range want {
		if paths[i] != p {
			t.Fatalf("path[%d] = %q, want %q", i, paths[i], p)
		}
	}
}

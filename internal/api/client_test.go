package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/getRoomDetails" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("room_id"); got != "r1" {
			t.Errorf("room_id = %q, want r1", got)
		}
		json.NewEncoder(w).Encode(RoomSnapshot{ID: "r1", Name: "Sprint 12", CreatedBy: "p1"})
	}))
	defer srv.Close()

	snap, err := NewClient(srv.URL).FetchRoom(context.Background(), "r1")
	if err != nil {
		t.Fatalf("FetchRoom: %v", err)
	}
	if snap.ID != "r1" || snap.CreatedBy != "p1" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestFetchRoomBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).FetchRoom(context.Background(), "r1")
	if !errors.Is(err, ErrSnapshotFetch) {
		t.Errorf("err = %v, want ErrSnapshotFetch", err)
	}
}

func TestFetchRoomNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := NewClient(srv.URL).FetchRoom(context.Background(), "r1")
	if !errors.Is(err, ErrSnapshotFetch) {
		t.Errorf("err = %v, want ErrSnapshotFetch", err)
	}
}

func TestCreateRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/createRoom" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var req CreateRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(RoomSnapshot{ID: req.RoomID, Name: req.RoomName, CreatedBy: req.CreatedBy})
	}))
	defer srv.Close()

	snap, err := NewClient(srv.URL).CreateRoom(context.Background(), CreateRoomRequest{
		RoomID: "r9", RoomName: "Planning", CreatedBy: "p1",
	})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if snap.ID != "r9" || snap.Name != "Planning" {
		t.Errorf("snapshot = %+v", snap)
	}
}

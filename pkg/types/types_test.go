package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// Functional Validation Tests - Difficulty

func TestDifficulty_RankOrdering(t *testing.T) {
	if !(DifficultyEasy.Rank() < DifficultyMedium.Rank() && DifficultyMedium.Rank() < DifficultyHard.Rank()) {
		t.Fatalf("expected Easy < Medium < Hard, got %d %d %d",
			DifficultyEasy.Rank(), DifficultyMedium.Rank(), DifficultyHard.Rank())
	}
	if Difficulty("Impossible").Rank() != 0 {
		t.Error("unknown difficulty should rank 0")
	}
}

func TestParseDifficulty(t *testing.T) {
	tests := []struct {
		input   string
		want    Difficulty
		wantErr error
	}{
		{"Easy", DifficultyEasy, nil},
		{"medium", DifficultyMedium, nil},
		{" HARD ", DifficultyHard, nil},
		{"expert", Difficulty("expert"), ErrInvalidDifficulty},
		{"", Difficulty(""), ErrInvalidDifficulty},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDifficulty(tt.input)
			if err != tt.wantErr {
				t.Fatalf("ParseDifficulty(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDifficulty(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDifficulty_UnmarshalNormalizesCase(t *testing.T) {
	var req MatchRequested
	if err := json.Unmarshal([]byte(`{"difficulty":"hard"}`), &req); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if req.Difficulty != DifficultyHard {
		t.Errorf("expected Hard, got %q", req.Difficulty)
	}
}

// Functional Validation Tests - Session IDs

func TestDeriveSessionID_OrderIndependent(t *testing.T) {
	ab := DeriveSessionID("alice", "bob", "Arrays", DifficultyEasy)
	ba := DeriveSessionID("bob", "alice", "Arrays", DifficultyEasy)
	if ab != ba {
		t.Fatalf("session id depends on argument order: %s vs %s", ab, ba)
	}
	if !IsValidSessionID(ab) {
		t.Errorf("derived id %q is not a valid session id", ab)
	}
}

func TestDeriveSessionID_DistinguishesCategoryAndDifficulty(t *testing.T) {
	base := DeriveSessionID("alice", "bob", "Arrays", DifficultyEasy)
	if base == DeriveSessionID("alice", "bob", "Graphs", DifficultyEasy) {
		t.Error("category should change the session id")
	}
	if base == DeriveSessionID("alice", "bob", "Arrays", DifficultyHard) {
		t.Error("difficulty should change the session id")
	}
}

func TestIsValidSessionID(t *testing.T) {
	valid := DeriveSessionID("a", "b", "c", DifficultyEasy)
	tests := map[string]bool{
		valid:                         true,
		strings.ToUpper(valid):        false,
		valid[:63]:                    false,
		strings.Repeat("g", 64):       false,
		"":                            false,
	}
	for id, want := range tests {
		if got := IsValidSessionID(id); got != want {
			t.Errorf("IsValidSessionID(%q) = %v, want %v", id, got, want)
		}
	}
}

// Functional Validation Tests - Field validation

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		userID string
		want   bool
	}{
		{"user123", true},
		{"user_123", true},
		{"user-123", true},
		{strings.Repeat("a", 50), true},
		{"", false},
		{strings.Repeat("a", 51), false},
		{"user@123", false},
		{"user 123", false},
	}
	for _, tt := range tests {
		if got := IsValidUserID(tt.userID); got != tt.want {
			t.Errorf("IsValidUserID(%q) = %v, want %v", tt.userID, got, tt.want)
		}
	}
}

func TestIsValidCategory(t *testing.T) {
	tests := []struct {
		category string
		want     bool
	}{
		{"Arrays", true},
		{"Dynamic Programming", true},
		{"Bit-Manipulation & Math", true},
		{"", false},
		{" Arrays", false},
		{"Arrays/Strings", false},
		{strings.Repeat("x", 51), false},
	}
	for _, tt := range tests {
		if got := IsValidCategory(tt.category); got != tt.want {
			t.Errorf("IsValidCategory(%q) = %v, want %v", tt.category, got, tt.want)
		}
	}
}

func TestIsValidToken(t *testing.T) {
	if !IsValidToken("0b6f1f9e-3c1d-4a53-9b7a-2c1d3e4f5a6b") {
		t.Error("uuid token should be valid")
	}
	if IsValidToken("") || IsValidToken(strings.Repeat("t", 65)) || IsValidToken("tok en") {
		t.Error("malformed tokens should be rejected")
	}
}

// Functional Validation Tests - Envelope

func TestEnvelope_RoundTripDecodesConcreteVariant(t *testing.T) {
	env, err := NewEnvelope(&MatchRequested{
		RequesterID:      "alice",
		Category:         "Arrays",
		Difficulty:       DifficultyMedium,
		CorrelationToken: "tok-a",
	})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if env.ID == "" || env.Type != MessageTypeMatchRequested {
		t.Fatalf("unexpected envelope framing: %+v", env)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	parsed, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	msg, err := parsed.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	req, ok := msg.(*MatchRequested)
	if !ok {
		t.Fatalf("expected *MatchRequested, got %T", msg)
	}
	if req.RequesterID != "alice" || req.Difficulty != DifficultyMedium {
		t.Errorf("payload mismatch: %+v", req)
	}
}

func TestNewEnvelope_RejectsInvalidPayload(t *testing.T) {
	_, err := NewEnvelope(&MatchRequested{RequesterID: "alice", Category: "Arrays", Difficulty: "Extreme", CorrelationToken: "t"})
	if err != ErrInvalidDifficulty {
		t.Errorf("expected ErrInvalidDifficulty, got %v", err)
	}
}

func TestEnvelope_DecodeRejectsUnknownType(t *testing.T) {
	env := &Envelope{ID: "1", Type: "bogus", Payload: json.RawMessage(`{}`)}
	if _, err := env.Decode(); !errors.Is(err, ErrInvalidMessageType) {
		t.Errorf("expected ErrInvalidMessageType, got %v", err)
	}
}

func TestEnvelope_DecodeValidatesPayload(t *testing.T) {
	env := &Envelope{ID: "1", Type: MessageTypeRoomEmptied, Payload: json.RawMessage(`{"session_id":"nope"}`)}
	if _, err := env.Decode(); !errors.Is(err, ErrInvalidSessionID) {
		t.Errorf("expected ErrInvalidSessionID, got %v", err)
	}
}

func TestDecodeEnvelope_RejectsMissingFraming(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"type":"room_emptied"}`)); err != ErrInvalidEnvelope {
		t.Errorf("expected ErrInvalidEnvelope, got %v", err)
	}
	if _, err := DecodeEnvelope([]byte(`not json`)); err == nil {
		t.Error("expected parse error")
	}
}

func TestPaired_RejectsSelfPair(t *testing.T) {
	p := Participant{RequesterID: "alice", CorrelationToken: "t1"}
	msg := &Paired{
		SessionID:  DeriveSessionID("alice", "alice", "Arrays", DifficultyEasy),
		A:          p,
		B:          p,
		Category:   "Arrays",
		Difficulty: DifficultyEasy,
	}
	if err := msg.Validate(); err != ErrSameParticipant {
		t.Errorf("expected ErrSameParticipant, got %v", err)
	}
}

func TestRouteFor_CoversEveryVariant(t *testing.T) {
	expected := map[MessageType]string{
		MessageTypeMatchRequested:   RouteMatchRequest,
		MessageTypeCancelRequested:  RouteMatchCancel,
		MessageTypePaired:           RouteMatchPaired,
		MessageTypeUnmatched:        RouteMatchResult,
		MessageTypeCancelled:        RouteMatchResult,
		MessageTypeHandoffExpired:   RouteMatchResult,
		MessageTypeSessionAnnounced: RouteMatchResult,
		MessageTypeSessionReady:     RouteSessionReady,
		MessageTypeRoomEmptied:      RouteRoomEmptied,
	}
	for msgType, route := range expected {
		got, err := RouteFor(msgType)
		if err != nil || got != route {
			t.Errorf("RouteFor(%s) = %q, %v; want %q", msgType, got, err, route)
		}
		if !IsValidMessageType(msgType) {
			t.Errorf("IsValidMessageType(%s) = false", msgType)
		}
	}
	if IsValidMessageType("instructor_inbox") {
		t.Error("unknown message type should be invalid")
	}
}

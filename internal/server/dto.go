package server

import (
	"encoding/json"

	"onboardgate/internal/domain"
	"onboardgate/internal/flow"
	"onboardgate/internal/gate"
)

// Request payloads

type PatchSnapshotRequest struct {
	Fields map[string]any `json:"fields" doc:"Dotted path to value, e.g. {\"user.verified\": true}"`
}

type ReplaceSnapshotRequest struct {
	Doc map[string]any `json:"doc"`
}

type DevLoginRequest struct {
	UserID string   `json:"user_id"`
	OrgID  string   `json:"org_id,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Responses

type GateResponse struct {
	Complete  bool   `json:"complete"`
	NextStep  string `json:"nextStep,omitempty" example:"i9AndDocs"`
	ETag      string `json:"etag" example:"9f86d081884c7d65"`
	UpdatedAt int64  `json:"updatedAt" doc:"Epoch milliseconds when the verdict was computed"`
}

type ExplainResponse struct {
	Complete bool     `json:"complete"`
	NextStep string   `json:"nextStep,omitempty"`
	Missing  string   `json:"missing,omitempty" doc:"First requirement key that is not satisfied"`
	Path     []string `json:"path"`
	ETag     string   `json:"etag"`
}

type RequirementResponse struct {
	Key      string `json:"key"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

type StepResponse struct {
	ID           string                `json:"id"`
	Title        string                `json:"title"`
	Actor        string                `json:"actor"`
	Requirements []RequirementResponse `json:"requirements"`
	Next         string                `json:"next,omitempty"`
	Branch       bool                  `json:"branch,omitempty" doc:"Next step is computed from the snapshot"`
}

type SnapshotResponse struct {
	UserID    string         `json:"user_id"`
	OrgID     string         `json:"org_id"`
	Doc       map[string]any `json:"doc"`
	CreatedAt string         `json:"created_at,omitempty"`
	UpdatedAt string         `json:"updated_at,omitempty"`
}

type MeResponse struct {
	UserID     string       `json:"user_id"`
	OrgID      string       `json:"org_id"`
	Roles      []string     `json:"roles"`
	Source     string       `json:"source"`
	Onboarding GateResponse `json:"onboarding"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Key       string `json:"key" doc:"Plaintext key; shown once"`
	Name      string `json:"name,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func gateResponse(st gate.State) GateResponse {
	return GateResponse{
		Complete:  st.Complete,
		NextStep:  string(st.NextStep),
		ETag:      st.Fingerprint,
		UpdatedAt: st.ComputedAt.UnixMilli(),
	}
}

func explainResponse(v flow.Verdict, etag string) ExplainResponse {
	path := make([]string, 0, len(v.Path))
	for _, id := range v.Path {
		path = append(path, string(id))
	}
	return ExplainResponse{
		Complete: v.Complete,
		NextStep: string(v.NextStep),
		Missing:  v.Missing,
		Path:     path,
		ETag:     etag,
	}
}

func flowResponse(def flow.Definition) []StepResponse {
	steps := make([]StepResponse, 0, len(def))
	for _, s := range def {
		reqs := make([]RequirementResponse, 0, len(s.Requirements))
		for _, r := range s.Requirements {
			reqs = append(reqs, RequirementResponse{Key: r.Key, Type: string(r.Type), Required: r.Required})
		}
		resp := StepResponse{
			ID:           string(s.ID),
			Title:        s.Title,
			Actor:        string(s.Actor),
			Requirements: reqs,
			Branch:       s.Next.Computed(),
		}
		if next, ok := s.Next.Literal(); ok {
			resp.Next = string(next)
		}
		steps = append(steps, resp)
	}
	return steps
}

func snapshotResponse(rec domain.SnapshotRecord) (SnapshotResponse, error) {
	doc := map[string]any{}
	if rec.Doc != nil {
		raw, err := rec.Doc.MarshalJSON()
		if err != nil {
			return SnapshotResponse{}, err
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return SnapshotResponse{}, err
		}
	}
	return SnapshotResponse{
		UserID:    rec.UserID,
		OrgID:     rec.OrgID,
		Doc:       doc,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OrgID:      e.OrgID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

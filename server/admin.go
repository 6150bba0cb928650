package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/authrim/authrim/client"
	"github.com/authrim/authrim/internal/apierr"
	"github.com/authrim/authrim/internal/ids"
	"github.com/authrim/authrim/storage"
)

// registerAdminRoutes wires the operator-facing admin surface: client
// dynamic registration (spec.md §3, RFC 7591-flavored) and signing-key
// status/rotation (spec.md §4.3). This surface is assumed to sit behind
// its own authentication gateway (SPEC_FULL.md §9.2); it performs no
// bearer-token verification of its own.
func (s *Server) registerAdminRoutes(r *mux.Router) {
	sub := r.PathPrefix("/api/admin").Subrouter()

	sub.HandleFunc("/clients", s.adminCreateClient).Methods(http.MethodPost)
	sub.HandleFunc("/clients", s.adminListClients).Methods(http.MethodGet)
	sub.HandleFunc("/clients/{id}", s.adminGetClient).Methods(http.MethodGet)
	sub.HandleFunc("/clients/{id}", s.adminDeleteClient).Methods(http.MethodDelete)

	sub.HandleFunc("/signing-keys", s.adminSigningKeysStatus).Methods(http.MethodGet)
	sub.HandleFunc("/signing-keys/rotate", s.adminRotateSigningKeys).Methods(http.MethodPost)
	sub.HandleFunc("/signing-keys/emergency-rotate", s.adminEmergencyRotateSigningKeys).Methods(http.MethodPost)
}

// clientRegistrationRequest is the RFC 7591-flavored registration body.
type clientRegistrationRequest struct {
	Type                    string   `json:"type"`
	Name                    string   `json:"name"`
	LogoURL                 string   `json:"logo_url,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	RequirePKCE             bool     `json:"pkce_required"`
	RequireDPoP             bool     `json:"dpop_bound_access_tokens"`
	AllowClaimsWithoutScope bool     `json:"allow_claims_without_scope"`
	AllowedScopes           []string `json:"allowed_scopes,omitempty"`
}

// clientRegistrationResponse carries the new client's id plus the generated
// secret, returned exactly once at creation time (spec.md §3).
type clientRegistrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

func (s *Server) adminCreateClient(w http.ResponseWriter, r *http.Request) {
	var req clientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, apierr.Invalid("invalid_request", "malformed client registration body"))
		return
	}
	if req.Name == "" || len(req.RedirectURIs) == 0 {
		writeAdminError(w, apierr.Invalid("invalid_request", "name and redirect_uris are required"))
		return
	}
	clientType := storage.ClientType(req.Type)
	if clientType != storage.ClientConfidential && clientType != storage.ClientPublic {
		writeAdminError(w, apierr.Invalid("invalid_request", "type must be \"confidential\" or \"public\""))
		return
	}

	now := time.Now()
	cl := storage.Client{
		ID:                      ids.New(),
		Type:                    clientType,
		Name:                    req.Name,
		LogoURL:                 req.LogoURL,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		RequirePKCE:             req.RequirePKCE,
		RequireDPoP:             req.RequireDPoP,
		AllowClaimsWithoutScope: req.AllowClaimsWithoutScope,
		AllowedScopes:           req.AllowedScopes,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	var secret string
	if clientType == storage.ClientConfidential {
		secret = ids.New()
		hash, err := client.HashSecret(secret)
		if err != nil {
			writeAdminError(w, apierr.Internal(err))
			return
		}
		cl.SecretHash = hash
	}

	if err := s.cfg.Storage.CreateClient(r.Context(), cl); err != nil {
		writeAdminError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusCreated, clientRegistrationResponse{ClientID: cl.ID, ClientSecret: secret})
}

func (s *Server) adminListClients(w http.ResponseWriter, r *http.Request) {
	cls, err := s.cfg.Storage.ListClients(r.Context())
	if err != nil {
		writeAdminError(w, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, cls)
}

func (s *Server) adminGetClient(w http.ResponseWriter, r *http.Request) {
	cl, err := s.cfg.Clients.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cl)
}

func (s *Server) adminDeleteClient(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Storage.DeleteClient(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeAdminError(w, apierr.Internal(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// signingKeyStatus is the wire-visible view of one ring entry; private
// material never leaves keymanager.
type signingKeyStatus struct {
	ID           string    `json:"kid"`
	Alg          string    `json:"alg"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	OverlapUntil time.Time `json:"overlap_until,omitempty"`
}

func (s *Server) adminSigningKeysStatus(w http.ResponseWriter, r *http.Request) {
	keys, err := s.cfg.Storage.GetKeys(r.Context())
	if err != nil {
		writeAdminError(w, apierr.Internal(err))
		return
	}
	out := make([]signingKeyStatus, 0, len(keys.Keys))
	for _, k := range keys.Keys {
		out = append(out, signingKeyStatus{
			ID:           k.ID,
			Alg:          k.Alg,
			Status:       string(k.Status),
			CreatedAt:    k.CreatedAt,
			OverlapUntil: k.OverlapUntil,
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Keys         []signingKeyStatus `json:"keys"`
		NextRotation time.Time          `json:"next_rotation"`
	}{out, keys.NextRotation})
}

func (s *Server) adminRotateSigningKeys(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Keys.Rotate(r.Context()); err != nil {
		writeAdminError(w, apierr.Internal(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) adminEmergencyRotateSigningKeys(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator-triggered emergency rotation"
	}
	if err := s.cfg.Keys.EmergencyRotate(r.Context(), body.Reason); err != nil {
		writeAdminError(w, apierr.Internal(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/nextcloud/app-api-sub001/pkg/types"
)

// maxRequestBody bounds admin API request bodies
const maxRequestBody = 4 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// DeployExApp is the body of POST /api/exapps
type DeployExApp struct {
	AppID    string            `json:"appid" validate:"required,max=32"`
	Daemon   string            `json:"daemon" validate:"required"`
	Manifest *types.Manifest   `json:"manifest" validate:"required"`
	Env      map[string]string `json:"env,omitempty"`
	// JSONInfo is the identity document of a manual-install ExApp
	JSONInfo json.RawMessage `json:"json_info,omitempty"`
}

// UpdateExApp is the body of PUT /api/exapps/{appid}
type UpdateExApp struct {
	Manifest       *types.Manifest   `json:"manifest" validate:"required"`
	Env            map[string]string `json:"env,omitempty"`
	ApprovedScopes []string          `json:"approved_scopes,omitempty"`
	RotateSecret   bool              `json:"rotate_secret,omitempty"`
}

// SetInitStatus is the body an ExApp sends to PUT /api/exapps/{appid}/status
type SetInitStatus struct {
	Progress int    `json:"progress" validate:"gte=0,lte=100"`
	Error    string `json:"error,omitempty"`
}

// decode parses and validates a JSON body
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}
